package handlers

import (
	"context"
	"errors"
	"log/slog"

	"calendar-backend/pkg/config"
	"calendar-backend/pkg/database"
	"calendar-backend/pkg/models"
	"calendar-backend/pkg/utils"
)

const (
	msgInternalError       = "internal error"
	msgDatabaseUnavailable = "database unavailable"
	msgPermissionDenied    = "permission denied"
	msgCalendarNotFound    = "calendar not found"
)

// Dispatcher routes typed requests to their handlers
type Dispatcher struct {
	config   *config.Config
	db       database.DatabaseInterface
	resolver *Resolver
	jwt      *utils.JWTService
	logger   *slog.Logger
}

// NewDispatcher 创建请求分发器
func NewDispatcher(cfg *config.Config, db database.DatabaseInterface, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		config:   cfg,
		db:       db,
		resolver: NewResolver(db),
		jwt:      utils.NewJWTService(cfg.JWTSecret, cfg.TokenTTL),
		logger:   logger,
	}
}

// Resolver exposes the permission resolver used by the handlers.
func (d *Dispatcher) Resolver() *Resolver { return d.resolver }

// Dispatch decodes one raw JSON request and runs it.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) Result {
	req, env, err := models.DecodeRequest(raw)
	if err != nil {
		d.logger.Debug("rejected request", "action", env.Action, "error", err)
		return Failure(err.Error())
	}
	return d.DispatchRequest(ctx, req, env.Token)
}

// DispatchRequest checks the session token, then runs the handler for req.
func (d *Dispatcher) DispatchRequest(ctx context.Context, req models.Request, token string) Result {
	if actor, ok := req.(models.ActorRequest); ok {
		if res := d.authorize(actor, token); res != nil {
			return res
		}
	}

	switch r := req.(type) {
	case *models.RegisterRequest:
		return d.register(ctx, r)
	case *models.LoginRequest:
		return d.login(ctx, r)
	case *models.FindUserRequest:
		return d.findUser(ctx, r)
	case *models.CalendarAddRequest:
		return d.calendarAdd(ctx, r)
	case *models.CalendarListRequest:
		return d.calendarList(ctx, r)
	case *models.CalendarUpdateRequest:
		return d.calendarUpdate(ctx, r)
	case *models.CalendarDeleteRequest:
		return d.calendarDelete(ctx, r)
	case *models.CalendarVisibilityRequest:
		return d.calendarVisibility(ctx, r)
	case *models.ScheduleAddRequest:
		return d.scheduleAdd(ctx, r)
	case *models.ScheduleListRequest:
		return d.scheduleList(ctx, r)
	case *models.ScheduleUpdateRequest:
		return d.scheduleUpdate(ctx, r)
	case *models.ScheduleDeleteRequest:
		return d.scheduleDelete(ctx, r)
	case *models.InviteSendRequest:
		return d.inviteSend(ctx, r)
	case *models.InviteListRequest:
		return d.inviteList(ctx, r)
	case *models.InviteResponseRequest:
		return d.inviteResponse(ctx, r)
	case *models.CalendarShareListRequest:
		return d.calendarShareList(ctx, r)
	case *models.CalendarSetPermissionRequest:
		return d.calendarSetPermission(ctx, r)
	}
	return Failure("unknown action: " + req.Action())
}

// authorize validates an optional (or, with RequireToken, mandatory) session
// token against the acting user id. It returns nil when the request may proceed.
func (d *Dispatcher) authorize(req models.ActorRequest, token string) Result {
	if token == "" {
		if d.config.RequireToken {
			return Failure("authentication required")
		}
		return nil
	}
	claims, err := d.jwt.ValidateToken(token)
	if err != nil {
		d.logger.Debug("invalid session token", "action", req.Action(), "error", err)
		return Failure("invalid token")
	}
	if claims.UserID != req.ActorID() {
		return Failure("token does not match user")
	}
	return nil
}

// storeFailure logs err and converts it to a generic failure.
func (d *Dispatcher) storeFailure(action string, err error) Result {
	if errors.Is(err, database.ErrConnection) {
		d.logger.Error("database unavailable", "action", action, "error", err)
		return Failure(msgDatabaseUnavailable)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		d.logger.Warn("request timed out", "action", action, "error", err)
		return Failure("request timed out")
	}
	d.logger.Error("store operation failed", "action", action, "error", err)
	return Failure(msgInternalError)
}

// requireOwner loads the calendar and checks that userID owns it.
// A non-nil Result means the caller must stop and return it.
func (d *Dispatcher) requireOwner(ctx context.Context, action string, userID, calendarID int64) (*models.Calendar, Result) {
	cal, err := d.db.GetCalendar(ctx, calendarID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, Failure(msgCalendarNotFound)
	}
	if err != nil {
		return nil, d.storeFailure(action, err)
	}
	if cal.UserID != userID {
		return nil, Failure("only the calendar owner can do this")
	}
	return cal, nil
}

// requireAccess loads the calendar and checks the caller's permission with allowed.
func (d *Dispatcher) requireAccess(ctx context.Context, action string, userID, calendarID int64, allowed func(models.Permission) bool) (models.Permission, Result) {
	cal, err := d.db.GetCalendar(ctx, calendarID)
	if errors.Is(err, database.ErrNotFound) {
		return models.PermissionNone, Failure(msgCalendarNotFound)
	}
	if err != nil {
		return models.PermissionNone, d.storeFailure(action, err)
	}
	perm, err := d.resolver.ResolveCalendar(ctx, userID, cal)
	if err != nil {
		return models.PermissionNone, d.storeFailure(action, err)
	}
	if !allowed(perm) {
		return perm, Failure(msgPermissionDenied)
	}
	return perm, nil
}
