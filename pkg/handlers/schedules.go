package handlers

import (
	"context"
	"errors"

	"calendar-backend/pkg/database"
	"calendar-backend/pkg/models"
)

const msgScheduleNotFound = "schedule not found"

func (d *Dispatcher) scheduleAdd(ctx context.Context, req *models.ScheduleAddRequest) Result {
	if _, res := d.requireAccess(ctx, req.Action(), int64(req.UserID), int64(req.CalendarID), models.Permission.CanAddSchedule); res != nil {
		return res
	}

	s := &models.Schedule{
		CalendarID: int64(req.CalendarID),
		Title:      req.Title,
		Time:       req.Time,
		Place:      req.Place,
		Memo:       req.Memo,
	}
	if err := d.db.CreateSchedule(ctx, s); err != nil {
		// calendar deleted between the permission check and the insert
		if errors.Is(err, database.ErrConstraint) {
			return Failure(msgCalendarNotFound)
		}
		return d.storeFailure(req.Action(), err)
	}
	return okResult("schedule created").with("schedule_id", s.ID)
}

func (d *Dispatcher) scheduleList(ctx context.Context, req *models.ScheduleListRequest) Result {
	if _, res := d.requireAccess(ctx, req.Action(), int64(req.UserID), int64(req.CalendarID), models.Permission.CanRead); res != nil {
		return res
	}

	schedules, err := d.db.ListSchedules(ctx, int64(req.CalendarID))
	if err != nil {
		return d.storeFailure(req.Action(), err)
	}
	if schedules == nil {
		schedules = []models.Schedule{}
	}
	return okResult("").with("schedules", schedules)
}

// loadEditableSchedule 加载日程并校验 owner/full 权限
func (d *Dispatcher) loadEditableSchedule(ctx context.Context, action string, userID, scheduleID int64) (*models.Schedule, Result) {
	s, err := d.db.GetSchedule(ctx, scheduleID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, Failure(msgScheduleNotFound)
	}
	if err != nil {
		return nil, d.storeFailure(action, err)
	}
	if _, res := d.requireAccess(ctx, action, userID, s.CalendarID, models.Permission.CanEditSchedule); res != nil {
		return nil, res
	}
	return s, nil
}

func (d *Dispatcher) scheduleUpdate(ctx context.Context, req *models.ScheduleUpdateRequest) Result {
	s, res := d.loadEditableSchedule(ctx, req.Action(), int64(req.UserID), int64(req.ScheduleID))
	if res != nil {
		return res
	}

	s.Title = req.Title
	s.Time = req.Time
	s.Place = req.Place
	s.Memo = req.Memo
	if err := d.db.UpdateSchedule(ctx, s); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return Failure(msgScheduleNotFound)
		}
		return d.storeFailure(req.Action(), err)
	}
	return okResult("schedule updated")
}

func (d *Dispatcher) scheduleDelete(ctx context.Context, req *models.ScheduleDeleteRequest) Result {
	if _, res := d.loadEditableSchedule(ctx, req.Action(), int64(req.UserID), int64(req.ScheduleID)); res != nil {
		return res
	}
	if err := d.db.DeleteSchedule(ctx, int64(req.ScheduleID)); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return Failure(msgScheduleNotFound)
		}
		return d.storeFailure(req.Action(), err)
	}
	return okResult("schedule deleted")
}
