package handlers

import (
	"context"
	"errors"

	"calendar-backend/pkg/database"
	"calendar-backend/pkg/models"
)

// calendarAdd 创建日历, 调用者成为所有者
func (d *Dispatcher) calendarAdd(ctx context.Context, req *models.CalendarAddRequest) Result {
	cal := &models.Calendar{
		UserID:      int64(req.UserID),
		Name:        req.Name,
		Description: req.Description,
		Visibility:  req.Visibility,
	}
	if err := d.db.CreateCalendar(ctx, cal); err != nil {
		if errors.Is(err, database.ErrConstraint) {
			return Failure("user not found")
		}
		return d.storeFailure(req.Action(), err)
	}
	return okResult("calendar created").with("calendar_id", cal.ID)
}

func (d *Dispatcher) calendarList(ctx context.Context, req *models.CalendarListRequest) Result {
	views, err := d.db.ListCalendarsForUser(ctx, int64(req.UserID))
	if err != nil {
		return d.storeFailure(req.Action(), err)
	}
	if views == nil {
		views = []models.CalendarView{}
	}
	return okResult("").with("calendars", views)
}

func (d *Dispatcher) calendarUpdate(ctx context.Context, req *models.CalendarUpdateRequest) Result {
	cal, res := d.requireOwner(ctx, req.Action(), int64(req.UserID), int64(req.CalendarID))
	if res != nil {
		return res
	}

	cal.Name = req.Name
	cal.Description = req.Description
	cal.Visibility = req.Visibility
	if err := d.db.UpdateCalendar(ctx, cal); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return Failure(msgCalendarNotFound)
		}
		return d.storeFailure(req.Action(), err)
	}
	return okResult("calendar updated")
}

// calendarDelete 删除日历及其日程和共享 (事务)
func (d *Dispatcher) calendarDelete(ctx context.Context, req *models.CalendarDeleteRequest) Result {
	if _, res := d.requireOwner(ctx, req.Action(), int64(req.UserID), int64(req.CalendarID)); res != nil {
		return res
	}
	if err := d.db.DeleteCalendar(ctx, int64(req.CalendarID)); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return Failure(msgCalendarNotFound)
		}
		return d.storeFailure(req.Action(), err)
	}
	d.logger.Info("calendar deleted", "calendar_id", int64(req.CalendarID), "user_id", int64(req.UserID))
	return okResult("calendar deleted")
}

func (d *Dispatcher) calendarVisibility(ctx context.Context, req *models.CalendarVisibilityRequest) Result {
	if _, res := d.requireOwner(ctx, req.Action(), int64(req.UserID), int64(req.CalendarID)); res != nil {
		return res
	}
	if err := d.db.UpdateCalendarVisibility(ctx, int64(req.CalendarID), req.Visibility); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return Failure(msgCalendarNotFound)
		}
		return d.storeFailure(req.Action(), err)
	}
	return okResult("visibility updated")
}
