package models

// Schedule is a single entry inside a calendar, ordered by Time
type Schedule struct {
	ID         int64    `json:"id" db:"id"`
	CalendarID int64    `json:"calendar_id" db:"calendar_id"`
	Title      string   `json:"title" db:"title"`
	Time       DateTime `json:"time" db:"time"`
	Place      string   `json:"place" db:"place"`
	Memo       string   `json:"memo" db:"memo"`
}
