package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DateTimeLayout is the display format of every temporal value on the wire.
const DateTimeLayout = "2006-01-02 15:04:05"

var dateTimeInputLayouts = []string{
	DateTimeLayout,
	"2006-01-02 15:04",
	time.RFC3339,
	"2006-01-02T15:04:05",
}

// DateTime is a wall-clock timestamp rendered as YYYY-MM-DD HH:MM:SS
type DateTime struct {
	time.Time
}

// ParseDateTime accepts the display layout plus a few common variants.
func ParseDateTime(s string) (DateTime, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateTimeInputLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return DateTime{Time: t}, nil
		}
	}
	return DateTime{}, fmt.Errorf("invalid time %q, expected YYYY-MM-DD HH:MM:SS", s)
}

func (d DateTime) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format(DateTimeLayout)
}

func (d DateTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *DateTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return &InvalidFieldError{Field: "time", Reason: "must be a string"}
	}
	if s == "" {
		*d = DateTime{}
		return nil
	}
	parsed, err := ParseDateTime(s)
	if err != nil {
		return &InvalidFieldError{Field: "time", Reason: err.Error()}
	}
	*d = parsed
	return nil
}

// Value implements driver.Valuer
func (d DateTime) Value() (driver.Value, error) {
	return d.Time, nil
}

// Scan implements sql.Scanner
func (d *DateTime) Scan(src interface{}) error {
	switch v := src.(type) {
	case time.Time:
		d.Time = v
		return nil
	case []byte:
		parsed, err := ParseDateTime(string(v))
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	case string:
		parsed, err := ParseDateTime(v)
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	case nil:
		*d = DateTime{}
		return nil
	}
	return fmt.Errorf("cannot scan %T into DateTime", src)
}
