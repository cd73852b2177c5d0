package handlers

import (
	"context"
	"errors"

	"calendar-backend/pkg/database"
	"calendar-backend/pkg/models"
)

// Resolver derives a user's effective permission on a calendar
type Resolver struct {
	db database.DatabaseInterface
}

func NewResolver(db database.DatabaseInterface) *Resolver {
	return &Resolver{db: db}
}

// Resolve returns owner/read/write/full, or PermissionNone when the calendar
// does not exist or the user holds no accepted share on it.
func (r *Resolver) Resolve(ctx context.Context, userID, calendarID int64) (models.Permission, error) {
	cal, err := r.db.GetCalendar(ctx, calendarID)
	if errors.Is(err, database.ErrNotFound) {
		return models.PermissionNone, nil
	}
	if err != nil {
		return models.PermissionNone, err
	}
	return r.ResolveCalendar(ctx, userID, cal)
}

// ResolveCalendar is Resolve for an already loaded calendar row.
func (r *Resolver) ResolveCalendar(ctx context.Context, userID int64, cal *models.Calendar) (models.Permission, error) {
	// owner fast-path
	if cal.UserID == userID {
		return models.PermissionOwner, nil
	}
	share, err := r.db.GetAcceptedShare(ctx, cal.ID, userID)
	if errors.Is(err, database.ErrNotFound) {
		return models.PermissionNone, nil
	}
	if err != nil {
		return models.PermissionNone, err
	}
	return share.EffectivePermission(), nil
}
