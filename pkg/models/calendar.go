package models

// Visibility 日历公开范围 (wire values stay in the original Korean)
type Visibility string

const (
	VisibilityPublic  Visibility = "전체"
	VisibilityPrivate Visibility = "비공개"
)

// Valid reports whether v is one of the known visibility values.
func (v Visibility) Valid() bool {
	return v == VisibilityPublic || v == VisibilityPrivate
}

// Calendar is owned by a single user and holds schedules
type Calendar struct {
	ID          int64      `json:"id" db:"id"`
	UserID      int64      `json:"user_id" db:"user_id"`
	Name        string     `json:"name" db:"name"`
	Description string     `json:"description" db:"description"`
	Visibility  Visibility `json:"visibility" db:"visibility"`
}

// Relation describes how a user reaches a calendar in calendar_list
type Relation string

const (
	RelationOwner  Relation = "owner"
	RelationShared Relation = "shared"
)

// CalendarView is a calendar row annotated for the requesting user
type CalendarView struct {
	Calendar
	Relation   Relation   `json:"relation"`
	Permission Permission `json:"permission"`
}
