package handlers

import (
	"context"
	"errors"

	"calendar-backend/pkg/database"
	"calendar-backend/pkg/models"
)

const msgShareNotFound = "share not found"

// inviteSend 日历所有者邀请其他用户 (pending, read)
func (d *Dispatcher) inviteSend(ctx context.Context, req *models.InviteSendRequest) Result {
	if req.UserID == req.TargetID {
		return Failure("cannot invite yourself")
	}
	if _, res := d.requireOwner(ctx, req.Action(), int64(req.UserID), int64(req.CalendarID)); res != nil {
		return res
	}
	if _, err := d.db.GetUserByID(ctx, int64(req.TargetID)); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return Failure("user not found")
		}
		return d.storeFailure(req.Action(), err)
	}

	share := &models.Share{
		UserID:     int64(req.UserID),
		TargetID:   int64(req.TargetID),
		CalendarID: int64(req.CalendarID),
		Status:     models.SharePending,
		Permission: models.PermissionRead,
	}
	if err := d.db.CreateShare(ctx, share); err != nil {
		switch {
		case errors.Is(err, database.ErrConstraint):
			return Failure("calendar already shared with this user")
		case errors.Is(err, database.ErrNotFound):
			// ownership changed or calendar deleted since the check above
			return Failure(msgCalendarNotFound)
		}
		return d.storeFailure(req.Action(), err)
	}

	d.logger.Info("invite sent", "share_id", share.ID, "calendar_id", share.CalendarID, "target_id", share.TargetID)
	return okResult("invite sent").with("share_id", share.ID)
}

func (d *Dispatcher) inviteList(ctx context.Context, req *models.InviteListRequest) Result {
	invites, err := d.db.ListPendingInvites(ctx, int64(req.TargetID))
	if err != nil {
		return d.storeFailure(req.Action(), err)
	}
	if invites == nil {
		invites = []models.Invite{}
	}
	return okResult("").with("invites", invites)
}

// inviteResponse 被邀请者接受或拒绝共享
func (d *Dispatcher) inviteResponse(ctx context.Context, req *models.InviteResponseRequest) Result {
	share, err := d.db.GetShare(ctx, int64(req.ShareID))
	if errors.Is(err, database.ErrNotFound) {
		return Failure("invite not found")
	}
	if err != nil {
		return d.storeFailure(req.Action(), err)
	}
	if share.TargetID != int64(req.UserID) {
		return Failure(msgPermissionDenied)
	}

	if err := d.db.UpdateShareStatus(ctx, share.ID, req.Status); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return Failure("invite not found")
		}
		return d.storeFailure(req.Action(), err)
	}
	return okResult("invite " + string(req.Status) + "ed")
}

func (d *Dispatcher) calendarShareList(ctx context.Context, req *models.CalendarShareListRequest) Result {
	if _, res := d.requireOwner(ctx, req.Action(), int64(req.UserID), int64(req.CalendarID)); res != nil {
		return res
	}
	shares, err := d.db.ListSharesByCalendar(ctx, int64(req.CalendarID))
	if err != nil {
		return d.storeFailure(req.Action(), err)
	}
	if shares == nil {
		shares = []models.ShareView{}
	}
	return okResult("").with("shares", shares)
}

func (d *Dispatcher) calendarSetPermission(ctx context.Context, req *models.CalendarSetPermissionRequest) Result {
	share, err := d.db.GetShare(ctx, int64(req.ShareID))
	if errors.Is(err, database.ErrNotFound) {
		return Failure(msgShareNotFound)
	}
	if err != nil {
		return d.storeFailure(req.Action(), err)
	}
	if _, res := d.requireOwner(ctx, req.Action(), int64(req.UserID), share.CalendarID); res != nil {
		return res
	}

	if err := d.db.UpdateSharePermission(ctx, share.ID, req.Permission); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return Failure(msgShareNotFound)
		}
		return d.storeFailure(req.Action(), err)
	}
	return okResult("permission updated")
}
