package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Action names accepted by the dispatcher
const (
	ActionRegister              = "register"
	ActionLogin                 = "login"
	ActionFindUser              = "find_user"
	ActionCalendarAdd           = "calendar_add"
	ActionCalendarList          = "calendar_list"
	ActionCalendarUpdate        = "calendar_update"
	ActionCalendarDelete        = "calendar_delete"
	ActionCalendarVisibility    = "calendar_visibility"
	ActionScheduleAdd           = "schedule_add"
	ActionScheduleList          = "schedule_list"
	ActionScheduleUpdate        = "schedule_update"
	ActionScheduleDelete        = "schedule_delete"
	ActionInviteSend            = "invite_send"
	ActionInviteList            = "invite_list"
	ActionInviteResponse        = "invite_response"
	ActionCalendarShareList     = "calendar_share_list"
	ActionCalendarSetPermission = "calendar_set_permission"
)

// Request is one decoded, typed action variant.
type Request interface {
	Action() string
	Validate() error
}

// ActorRequest is implemented by requests made on behalf of a user id;
// a session token, when present, must belong to that user.
type ActorRequest interface {
	Request
	ActorID() int64
}

// Envelope carries the fields common to every request
type Envelope struct {
	Action string `json:"action"`
	Token  string `json:"token,omitempty"`
}

// MissingFieldError is returned when a required field is absent or empty
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string { return "missing field: " + e.Field }

// InvalidFieldError is returned when a field is present but malformed
type InvalidFieldError struct {
	Field  string
	Reason string
}

func (e *InvalidFieldError) Error() string {
	return fmt.Sprintf("invalid field: %s (%s)", e.Field, e.Reason)
}

// UnknownActionError is returned for action names outside the table
type UnknownActionError struct {
	Action string
}

func (e *UnknownActionError) Error() string { return "unknown action: " + e.Action }

// ID is a row id that decodes from a JSON number or a numeric string
type ID int64

func (id *ID) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if s == "" || s == "null" {
		*id = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		// encoding/json fills in Field for type errors
		return &json.UnmarshalTypeError{Value: string(data), Type: reflect.TypeOf(*id)}
	}
	*id = ID(v)
	return nil
}

type fieldCheck struct {
	name    string
	present bool
}

func str(name, v string) fieldCheck { return fieldCheck{name, strings.TrimSpace(v) != ""} }
func id(name string, v ID) fieldCheck { return fieldCheck{name, v > 0} }

func requireFields(checks ...fieldCheck) error {
	for _, c := range checks {
		if !c.present {
			return &MissingFieldError{Field: c.name}
		}
	}
	return nil
}

// ---- auth ----

type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"pw"`
	Name     string `json:"name"`
}

func (r *RegisterRequest) Action() string { return ActionRegister }
func (r *RegisterRequest) Validate() error {
	if err := requireFields(str("email", r.Email), str("pw", r.Password), str("name", r.Name)); err != nil {
		return err
	}
	if !strings.Contains(r.Email, "@") {
		return &InvalidFieldError{Field: "email", Reason: "not an email address"}
	}
	return nil
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"pw"`
}

func (r *LoginRequest) Action() string { return ActionLogin }
func (r *LoginRequest) Validate() error {
	return requireFields(str("email", r.Email), str("pw", r.Password))
}

type FindUserRequest struct {
	Email string `json:"email"`
}

func (r *FindUserRequest) Action() string  { return ActionFindUser }
func (r *FindUserRequest) Validate() error { return requireFields(str("email", r.Email)) }

// ---- calendars ----

type CalendarAddRequest struct {
	UserID      ID         `json:"user_id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Visibility  Visibility `json:"visibility"`
}

func (r *CalendarAddRequest) Action() string { return ActionCalendarAdd }
func (r *CalendarAddRequest) ActorID() int64 { return int64(r.UserID) }
func (r *CalendarAddRequest) Validate() error {
	if err := requireFields(id("user_id", r.UserID), str("name", r.Name)); err != nil {
		return err
	}
	return validateVisibility(&r.Visibility)
}

type CalendarListRequest struct {
	UserID ID `json:"user_id"`
}

func (r *CalendarListRequest) Action() string  { return ActionCalendarList }
func (r *CalendarListRequest) ActorID() int64  { return int64(r.UserID) }
func (r *CalendarListRequest) Validate() error { return requireFields(id("user_id", r.UserID)) }

type CalendarUpdateRequest struct {
	CalendarID  ID         `json:"calendar_id"`
	UserID      ID         `json:"user_id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Visibility  Visibility `json:"visibility"`
}

func (r *CalendarUpdateRequest) Action() string { return ActionCalendarUpdate }
func (r *CalendarUpdateRequest) ActorID() int64 { return int64(r.UserID) }
func (r *CalendarUpdateRequest) Validate() error {
	if err := requireFields(id("calendar_id", r.CalendarID), id("user_id", r.UserID), str("name", r.Name)); err != nil {
		return err
	}
	return validateVisibility(&r.Visibility)
}

type CalendarDeleteRequest struct {
	CalendarID ID `json:"calendar_id"`
	UserID     ID `json:"user_id"`
}

func (r *CalendarDeleteRequest) Action() string { return ActionCalendarDelete }
func (r *CalendarDeleteRequest) ActorID() int64 { return int64(r.UserID) }
func (r *CalendarDeleteRequest) Validate() error {
	return requireFields(id("calendar_id", r.CalendarID), id("user_id", r.UserID))
}

type CalendarVisibilityRequest struct {
	CalendarID ID         `json:"calendar_id"`
	UserID     ID         `json:"user_id"`
	Visibility Visibility `json:"visibility"`
}

func (r *CalendarVisibilityRequest) Action() string { return ActionCalendarVisibility }
func (r *CalendarVisibilityRequest) ActorID() int64 { return int64(r.UserID) }
func (r *CalendarVisibilityRequest) Validate() error {
	if err := requireFields(id("calendar_id", r.CalendarID), id("user_id", r.UserID), str("visibility", string(r.Visibility))); err != nil {
		return err
	}
	return validateVisibility(&r.Visibility)
}

// validateVisibility defaults an empty value to public and rejects unknown values.
func validateVisibility(v *Visibility) error {
	if strings.TrimSpace(string(*v)) == "" {
		*v = VisibilityPublic
		return nil
	}
	if !v.Valid() {
		return &InvalidFieldError{Field: "visibility", Reason: fmt.Sprintf("must be %q or %q", VisibilityPublic, VisibilityPrivate)}
	}
	return nil
}

// ---- schedules ----

type ScheduleAddRequest struct {
	CalendarID ID       `json:"calendar_id"`
	UserID     ID       `json:"user_id"`
	Title      string   `json:"title"`
	Time       DateTime `json:"time"`
	Place      string   `json:"place"`
	Memo       string   `json:"memo"`
}

func (r *ScheduleAddRequest) Action() string { return ActionScheduleAdd }
func (r *ScheduleAddRequest) ActorID() int64 { return int64(r.UserID) }
func (r *ScheduleAddRequest) Validate() error {
	return requireFields(id("calendar_id", r.CalendarID), id("user_id", r.UserID), str("title", r.Title),
		fieldCheck{"time", !r.Time.IsZero()})
}

type ScheduleListRequest struct {
	CalendarID ID `json:"calendar_id"`
	UserID     ID `json:"user_id"`
}

func (r *ScheduleListRequest) Action() string { return ActionScheduleList }
func (r *ScheduleListRequest) ActorID() int64 { return int64(r.UserID) }
func (r *ScheduleListRequest) Validate() error {
	return requireFields(id("calendar_id", r.CalendarID), id("user_id", r.UserID))
}

type ScheduleUpdateRequest struct {
	ScheduleID ID       `json:"schedule_id"`
	UserID     ID       `json:"user_id"`
	Title      string   `json:"title"`
	Time       DateTime `json:"time"`
	Place      string   `json:"place"`
	Memo       string   `json:"memo"`
}

func (r *ScheduleUpdateRequest) Action() string { return ActionScheduleUpdate }
func (r *ScheduleUpdateRequest) ActorID() int64 { return int64(r.UserID) }
func (r *ScheduleUpdateRequest) Validate() error {
	return requireFields(id("schedule_id", r.ScheduleID), id("user_id", r.UserID), str("title", r.Title),
		fieldCheck{"time", !r.Time.IsZero()})
}

type ScheduleDeleteRequest struct {
	ScheduleID ID `json:"schedule_id"`
	UserID     ID `json:"user_id"`
}

func (r *ScheduleDeleteRequest) Action() string { return ActionScheduleDelete }
func (r *ScheduleDeleteRequest) ActorID() int64 { return int64(r.UserID) }
func (r *ScheduleDeleteRequest) Validate() error {
	return requireFields(id("schedule_id", r.ScheduleID), id("user_id", r.UserID))
}

// ---- invites & shares ----

type InviteSendRequest struct {
	UserID     ID `json:"user_id"`
	TargetID   ID `json:"target_id"`
	CalendarID ID `json:"calendar_id"`
}

func (r *InviteSendRequest) Action() string { return ActionInviteSend }
func (r *InviteSendRequest) ActorID() int64 { return int64(r.UserID) }
func (r *InviteSendRequest) Validate() error {
	return requireFields(id("user_id", r.UserID), id("target_id", r.TargetID), id("calendar_id", r.CalendarID))
}

type InviteListRequest struct {
	TargetID ID `json:"target_id"`
}

func (r *InviteListRequest) Action() string  { return ActionInviteList }
func (r *InviteListRequest) ActorID() int64  { return int64(r.TargetID) }
func (r *InviteListRequest) Validate() error { return requireFields(id("target_id", r.TargetID)) }

type InviteResponseRequest struct {
	ShareID ID          `json:"share_id"`
	Status  ShareStatus `json:"status"`
	UserID  ID          `json:"user_id"`
}

func (r *InviteResponseRequest) Action() string { return ActionInviteResponse }
func (r *InviteResponseRequest) ActorID() int64 { return int64(r.UserID) }
func (r *InviteResponseRequest) Validate() error {
	if err := requireFields(id("share_id", r.ShareID), str("status", string(r.Status)), id("user_id", r.UserID)); err != nil {
		return err
	}
	if r.Status != ShareAccepted && r.Status != ShareRejected {
		return &InvalidFieldError{Field: "status", Reason: "must be accept or reject"}
	}
	return nil
}

type CalendarShareListRequest struct {
	CalendarID ID `json:"calendar_id"`
	UserID     ID `json:"user_id"`
}

func (r *CalendarShareListRequest) Action() string { return ActionCalendarShareList }
func (r *CalendarShareListRequest) ActorID() int64 { return int64(r.UserID) }
func (r *CalendarShareListRequest) Validate() error {
	return requireFields(id("calendar_id", r.CalendarID), id("user_id", r.UserID))
}

type CalendarSetPermissionRequest struct {
	ShareID    ID         `json:"share_id"`
	Permission Permission `json:"permission"`
	UserID     ID         `json:"user_id"`
}

func (r *CalendarSetPermissionRequest) Action() string { return ActionCalendarSetPermission }
func (r *CalendarSetPermissionRequest) ActorID() int64 { return int64(r.UserID) }
func (r *CalendarSetPermissionRequest) Validate() error {
	if err := requireFields(id("share_id", r.ShareID), str("permission", string(r.Permission)), id("user_id", r.UserID)); err != nil {
		return err
	}
	if !r.Permission.Grantable() {
		return &InvalidFieldError{Field: "permission", Reason: "must be read, write or full"}
	}
	return nil
}

var requestFactories = map[string]func() Request{
	ActionRegister:              func() Request { return &RegisterRequest{} },
	ActionLogin:                 func() Request { return &LoginRequest{} },
	ActionFindUser:              func() Request { return &FindUserRequest{} },
	ActionCalendarAdd:           func() Request { return &CalendarAddRequest{} },
	ActionCalendarList:          func() Request { return &CalendarListRequest{} },
	ActionCalendarUpdate:        func() Request { return &CalendarUpdateRequest{} },
	ActionCalendarDelete:        func() Request { return &CalendarDeleteRequest{} },
	ActionCalendarVisibility:    func() Request { return &CalendarVisibilityRequest{} },
	ActionScheduleAdd:           func() Request { return &ScheduleAddRequest{} },
	ActionScheduleList:          func() Request { return &ScheduleListRequest{} },
	ActionScheduleUpdate:        func() Request { return &ScheduleUpdateRequest{} },
	ActionScheduleDelete:        func() Request { return &ScheduleDeleteRequest{} },
	ActionInviteSend:            func() Request { return &InviteSendRequest{} },
	ActionInviteList:            func() Request { return &InviteListRequest{} },
	ActionInviteResponse:        func() Request { return &InviteResponseRequest{} },
	ActionCalendarShareList:     func() Request { return &CalendarShareListRequest{} },
	ActionCalendarSetPermission: func() Request { return &CalendarSetPermissionRequest{} },
}

// Actions returns every supported action name, sorted.
func Actions() []string {
	names := make([]string, 0, len(requestFactories))
	for name := range requestFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DecodeRequest turns one JSON object into its typed, validated variant.
// The envelope is returned even when decoding the variant fails.
func DecodeRequest(data []byte) (Request, Envelope, error) {
	var env Envelope
	if trimmed := strings.TrimSpace(string(data)); !strings.HasPrefix(trimmed, "{") {
		return nil, env, &InvalidFieldError{Field: "request", Reason: "must be a JSON object"}
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, env, &InvalidFieldError{Field: "action", Reason: "must be a string"}
	}
	if strings.TrimSpace(env.Action) == "" {
		return nil, env, &MissingFieldError{Field: "action"}
	}
	factory, ok := requestFactories[env.Action]
	if !ok {
		return nil, env, &UnknownActionError{Action: env.Action}
	}
	req := factory()
	if err := json.Unmarshal(data, req); err != nil {
		return nil, env, decodeFieldError(err)
	}
	if err := req.Validate(); err != nil {
		return nil, env, err
	}
	return req, env, nil
}

func decodeFieldError(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		field := typeErr.Field
		if field == "" {
			field = "request"
		}
		if typeErr.Type == reflect.TypeOf(ID(0)) {
			return &InvalidFieldError{Field: field, Reason: typeErr.Value + " is not an integer id"}
		}
		return &InvalidFieldError{Field: field, Reason: "expected " + typeErr.Type.String()}
	}
	var fieldErr *InvalidFieldError
	if errors.As(err, &fieldErr) {
		return fieldErr
	}
	return &InvalidFieldError{Field: "request", Reason: err.Error()}
}
