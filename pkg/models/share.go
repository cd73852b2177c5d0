package models

// ShareStatus 共享邀请状态
type ShareStatus string

const (
	SharePending  ShareStatus = "pending"
	ShareAccepted ShareStatus = "accept"
	ShareRejected ShareStatus = "reject"
)

// Permission is the effective access level of a user on a calendar.
// PermissionNone is never stored; it is the resolver's "no access" answer.
type Permission string

const (
	PermissionNone  Permission = ""
	PermissionOwner Permission = "owner"
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
	PermissionFull  Permission = "full"
)

// Grantable reports whether p may be stored on a share.
func (p Permission) Grantable() bool {
	switch p {
	case PermissionRead, PermissionWrite, PermissionFull:
		return true
	}
	return false
}

// CanRead is true for every level except none.
func (p Permission) CanRead() bool {
	return p != PermissionNone
}

// CanAddSchedule allows inserting schedules.
func (p Permission) CanAddSchedule() bool {
	return p == PermissionOwner || p == PermissionWrite || p == PermissionFull
}

// CanEditSchedule allows updating and deleting schedules.
func (p Permission) CanEditSchedule() bool {
	return p == PermissionOwner || p == PermissionFull
}

// Share is an invitation/grant from a calendar owner to a target user.
// Permission is empty for rows created before permission levels existed.
type Share struct {
	ID         int64       `json:"share_id" db:"id"`
	UserID     int64       `json:"user_id" db:"user_id"`
	TargetID   int64       `json:"target_id" db:"target_id"`
	CalendarID int64       `json:"calendar_id" db:"calendar_id"`
	Status     ShareStatus `json:"status" db:"status"`
	Permission Permission  `json:"permission" db:"permission"`
}

// EffectivePermission returns the stored permission, defaulting to read.
func (s *Share) EffectivePermission() Permission {
	if s.Permission == PermissionNone {
		return PermissionRead
	}
	return s.Permission
}

// Invite is a pending share as seen by its target
type Invite struct {
	ID           int64       `json:"id"`
	UserID       int64       `json:"user_id"`
	CalendarID   int64       `json:"calendar_id"`
	Status       ShareStatus `json:"status"`
	FromUser     string      `json:"from_user"`
	CalendarName string      `json:"calendar_name"`
}

// ShareView is a share as listed for the calendar owner
type ShareView struct {
	ShareID     int64       `json:"share_id"`
	TargetID    int64       `json:"target_id"`
	TargetName  string      `json:"target_name"`
	TargetEmail string      `json:"target_email"`
	Status      ShareStatus `json:"status"`
	Permission  Permission  `json:"permission"`
}
