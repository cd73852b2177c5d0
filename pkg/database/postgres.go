package database

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"calendar-backend/pkg/models"

	_ "github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

// Schema returns the DDL applied by EnsureSchema.
func Schema() string { return schemaSQL }

// PostgresDatabase PostgreSQL数据库实现
type PostgresDatabase struct {
	db *sql.DB
}

// NewPostgresDatabase 创建PostgreSQL数据库实例
func NewPostgresDatabase(ctx context.Context, config DatabaseConfig) (*PostgresDatabase, error) {
	// Sanitize DSN to avoid stray CR/LF from env values
	dsn := strings.TrimSpace(config.PostgresDSN)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	maxOpen := config.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 20
	}
	lifetime := config.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen / 2)
	db.SetConnMaxLifetime(lifetime)
	db.SetConnMaxIdleTime(2 * time.Minute)

	// 测试连接
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &Error{Kind: ErrConnection, Op: "ping", Err: err}
	}

	slog.Info("✅ PostgreSQL connection established", "max_open_conns", maxOpen)
	return &PostgresDatabase{db: db}, nil
}

// EnsureSchema creates missing tables and indexes.
func (db *PostgresDatabase) EnsureSchema(ctx context.Context) error {
	if _, err := db.db.ExecContext(ctx, schemaSQL); err != nil {
		return classify("apply schema", err)
	}
	return nil
}

// withTx runs fn inside a transaction, committing on success.
func (db *PostgresDatabase) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return classify(op, err)
	}
	if err := tx.Commit(); err != nil {
		return classify(op, err)
	}
	return nil
}

// expectAffected turns a zero-row update/delete into ErrNotFound.
func expectAffected(op string, res sql.Result) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return classify(op, err)
	}
	if rows == 0 {
		return notFound(op)
	}
	return nil
}

// ================= Users =================

// CreateUser 创建用户
func (db *PostgresDatabase) CreateUser(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (email, pw, name)
		VALUES ($1, $2, $3)
		RETURNING id
	`
	err := db.db.QueryRowContext(ctx, query, user.Email, user.Password, user.Name).Scan(&user.ID)
	return classify("create user", err)
}

// GetUserByEmail 根据邮箱获取用户
func (db *PostgresDatabase) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	err := db.db.QueryRowContext(ctx, `SELECT id, email, pw, name FROM users WHERE email = $1`, email).
		Scan(&u.ID, &u.Email, &u.Password, &u.Name)
	if err != nil {
		return nil, classify("get user by email", err)
	}
	return &u, nil
}

// GetUserByID 根据ID获取用户
func (db *PostgresDatabase) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	var u models.User
	err := db.db.QueryRowContext(ctx, `SELECT id, email, pw, name FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Email, &u.Password, &u.Name)
	if err != nil {
		return nil, classify("get user", err)
	}
	return &u, nil
}

// ================= Calendars =================

func (db *PostgresDatabase) CreateCalendar(ctx context.Context, cal *models.Calendar) error {
	query := `
		INSERT INTO calendar (user_id, name, description, visibility)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`
	err := db.db.QueryRowContext(ctx, query, cal.UserID, cal.Name, cal.Description, string(cal.Visibility)).Scan(&cal.ID)
	return classify("create calendar", err)
}

func (db *PostgresDatabase) GetCalendar(ctx context.Context, id int64) (*models.Calendar, error) {
	var c models.Calendar
	var visibility string
	err := db.db.QueryRowContext(ctx, `SELECT id, user_id, name, description, visibility FROM calendar WHERE id = $1`, id).
		Scan(&c.ID, &c.UserID, &c.Name, &c.Description, &visibility)
	if err != nil {
		return nil, classify("get calendar", err)
	}
	c.Visibility = models.Visibility(visibility)
	return &c, nil
}

func (db *PostgresDatabase) ListCalendarsForUser(ctx context.Context, userID int64) ([]models.CalendarView, error) {
	query := `
		SELECT c.id, c.user_id, c.name, c.description, c.visibility,
		       CASE WHEN c.user_id = $1 THEN 'owner' ELSE 'shared' END AS relation,
		       CASE WHEN c.user_id = $1 THEN 'owner' ELSE COALESCE(s.permission, 'read') END AS permission
		FROM calendar c
		LEFT JOIN share s
		  ON s.calendar_id = c.id AND s.target_id = $1 AND s.status = 'accept'
		WHERE c.user_id = $1 OR s.id IS NOT NULL
		ORDER BY (c.user_id = $1) DESC, c.id ASC
	`
	rows, err := db.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, classify("list calendars", err)
	}
	defer rows.Close()

	list := []models.CalendarView{}
	for rows.Next() {
		var v models.CalendarView
		var visibility, relation, permission string
		if err := rows.Scan(&v.ID, &v.UserID, &v.Name, &v.Description, &visibility, &relation, &permission); err != nil {
			return nil, classify("scan calendar", err)
		}
		v.Visibility = models.Visibility(visibility)
		v.Relation = models.Relation(relation)
		v.Permission = models.Permission(permission)
		list = append(list, v)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list calendars", err)
	}
	return list, nil
}

func (db *PostgresDatabase) UpdateCalendar(ctx context.Context, cal *models.Calendar) error {
	res, err := db.db.ExecContext(ctx, `UPDATE calendar SET name=$1, description=$2, visibility=$3 WHERE id=$4`,
		cal.Name, cal.Description, string(cal.Visibility), cal.ID)
	if err != nil {
		return classify("update calendar", err)
	}
	return expectAffected("update calendar", res)
}

func (db *PostgresDatabase) UpdateCalendarVisibility(ctx context.Context, id int64, visibility models.Visibility) error {
	res, err := db.db.ExecContext(ctx, `UPDATE calendar SET visibility=$1 WHERE id=$2`, string(visibility), id)
	if err != nil {
		return classify("update calendar visibility", err)
	}
	return expectAffected("update calendar visibility", res)
}

func (db *PostgresDatabase) DeleteCalendar(ctx context.Context, id int64) error {
	return db.withTx(ctx, "delete calendar", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM schedule WHERE calendar_id=$1`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM share WHERE calendar_id=$1`, id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM calendar WHERE id=$1`, id)
		if err != nil {
			return err
		}
		return expectAffected("delete calendar", res)
	})
}

// ================= Schedules =================

func (db *PostgresDatabase) CreateSchedule(ctx context.Context, s *models.Schedule) error {
	query := `
		INSERT INTO schedule (calendar_id, title, time, place, memo)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	err := db.db.QueryRowContext(ctx, query, s.CalendarID, s.Title, s.Time, s.Place, s.Memo).Scan(&s.ID)
	return classify("create schedule", err)
}

func (db *PostgresDatabase) GetSchedule(ctx context.Context, id int64) (*models.Schedule, error) {
	var s models.Schedule
	err := db.db.QueryRowContext(ctx, `SELECT id, calendar_id, title, time, place, memo FROM schedule WHERE id=$1`, id).
		Scan(&s.ID, &s.CalendarID, &s.Title, &s.Time, &s.Place, &s.Memo)
	if err != nil {
		return nil, classify("get schedule", err)
	}
	return &s, nil
}

func (db *PostgresDatabase) ListSchedules(ctx context.Context, calendarID int64) ([]models.Schedule, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT id, calendar_id, title, time, place, memo
		FROM schedule
		WHERE calendar_id=$1
		ORDER BY time ASC, id ASC
	`, calendarID)
	if err != nil {
		return nil, classify("list schedules", err)
	}
	defer rows.Close()

	list := []models.Schedule{}
	for rows.Next() {
		var s models.Schedule
		if err := rows.Scan(&s.ID, &s.CalendarID, &s.Title, &s.Time, &s.Place, &s.Memo); err != nil {
			return nil, classify("scan schedule", err)
		}
		list = append(list, s)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list schedules", err)
	}
	return list, nil
}

func (db *PostgresDatabase) UpdateSchedule(ctx context.Context, s *models.Schedule) error {
	res, err := db.db.ExecContext(ctx, `UPDATE schedule SET title=$1, time=$2, place=$3, memo=$4 WHERE id=$5`,
		s.Title, s.Time, s.Place, s.Memo, s.ID)
	if err != nil {
		return classify("update schedule", err)
	}
	return expectAffected("update schedule", res)
}

func (db *PostgresDatabase) DeleteSchedule(ctx context.Context, id int64) error {
	res, err := db.db.ExecContext(ctx, `DELETE FROM schedule WHERE id=$1`, id)
	if err != nil {
		return classify("delete schedule", err)
	}
	return expectAffected("delete schedule", res)
}

// ================= Shares =================

func (db *PostgresDatabase) CreateShare(ctx context.Context, share *models.Share) error {
	return db.withTx(ctx, "create share", func(tx *sql.Tx) error {
		// lock the calendar row so ownership cannot change under us
		var owner int64
		err := tx.QueryRowContext(ctx, `SELECT user_id FROM calendar WHERE id=$1 FOR UPDATE`, share.CalendarID).Scan(&owner)
		if err != nil {
			return err
		}
		if owner != share.UserID {
			return notFound("create share")
		}
		return tx.QueryRowContext(ctx, `
			INSERT INTO share (user_id, target_id, calendar_id, status, permission)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id
		`, share.UserID, share.TargetID, share.CalendarID, string(share.Status), nullIfEmpty(string(share.Permission))).Scan(&share.ID)
	})
}

func nullIfEmpty(s string) interface{} {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func scanShare(row interface{ Scan(...interface{}) error }) (*models.Share, error) {
	var s models.Share
	var status string
	var permission sql.NullString
	if err := row.Scan(&s.ID, &s.UserID, &s.TargetID, &s.CalendarID, &status, &permission); err != nil {
		return nil, err
	}
	s.Status = models.ShareStatus(status)
	s.Permission = models.Permission(permission.String)
	return &s, nil
}

func (db *PostgresDatabase) GetShare(ctx context.Context, id int64) (*models.Share, error) {
	s, err := scanShare(db.db.QueryRowContext(ctx,
		`SELECT id, user_id, target_id, calendar_id, status, permission FROM share WHERE id=$1`, id))
	if err != nil {
		return nil, classify("get share", err)
	}
	return s, nil
}

func (db *PostgresDatabase) GetAcceptedShare(ctx context.Context, calendarID, targetID int64) (*models.Share, error) {
	s, err := scanShare(db.db.QueryRowContext(ctx, `
		SELECT id, user_id, target_id, calendar_id, status, permission
		FROM share
		WHERE calendar_id=$1 AND target_id=$2 AND status='accept'
	`, calendarID, targetID))
	if err != nil {
		return nil, classify("get accepted share", err)
	}
	return s, nil
}

func (db *PostgresDatabase) ListPendingInvites(ctx context.Context, targetID int64) ([]models.Invite, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT s.id, s.user_id, s.calendar_id, s.status,
		       u.name AS from_user,
		       c.name AS calendar_name
		FROM share s
		JOIN users u ON s.user_id = u.id
		JOIN calendar c ON s.calendar_id = c.id
		WHERE s.target_id=$1 AND s.status='pending'
		ORDER BY s.id ASC
	`, targetID)
	if err != nil {
		return nil, classify("list invites", err)
	}
	defer rows.Close()

	list := []models.Invite{}
	for rows.Next() {
		var inv models.Invite
		var status string
		if err := rows.Scan(&inv.ID, &inv.UserID, &inv.CalendarID, &status, &inv.FromUser, &inv.CalendarName); err != nil {
			return nil, classify("scan invite", err)
		}
		inv.Status = models.ShareStatus(status)
		list = append(list, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list invites", err)
	}
	return list, nil
}

func (db *PostgresDatabase) ListSharesByCalendar(ctx context.Context, calendarID int64) ([]models.ShareView, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT s.id, s.target_id, u.name, u.email, s.status, COALESCE(s.permission, 'read')
		FROM share s
		JOIN users u ON s.target_id = u.id
		WHERE s.calendar_id=$1
		ORDER BY s.id ASC
	`, calendarID)
	if err != nil {
		return nil, classify("list shares", err)
	}
	defer rows.Close()

	list := []models.ShareView{}
	for rows.Next() {
		var v models.ShareView
		var status, permission string
		if err := rows.Scan(&v.ShareID, &v.TargetID, &v.TargetName, &v.TargetEmail, &status, &permission); err != nil {
			return nil, classify("scan share", err)
		}
		v.Status = models.ShareStatus(status)
		v.Permission = models.Permission(permission)
		list = append(list, v)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list shares", err)
	}
	return list, nil
}

func (db *PostgresDatabase) UpdateShareStatus(ctx context.Context, id int64, status models.ShareStatus) error {
	res, err := db.db.ExecContext(ctx, `UPDATE share SET status=$1 WHERE id=$2`, string(status), id)
	if err != nil {
		return classify("update share status", err)
	}
	return expectAffected("update share status", res)
}

func (db *PostgresDatabase) UpdateSharePermission(ctx context.Context, id int64, permission models.Permission) error {
	res, err := db.db.ExecContext(ctx, `UPDATE share SET permission=$1 WHERE id=$2`, string(permission), id)
	if err != nil {
		return classify("update share permission", err)
	}
	return expectAffected("update share permission", res)
}

// HealthCheck 健康检查
func (db *PostgresDatabase) HealthCheck(ctx context.Context) error {
	if err := db.db.PingContext(ctx); err != nil {
		return &Error{Kind: ErrConnection, Op: "ping", Err: err}
	}
	return nil
}

// Tables lists the tables created by EnsureSchema, in dependency order.
var Tables = []string{"users", "calendar", "schedule", "share"}

// TableCounts returns the row count of every table in Tables.
func (db *PostgresDatabase) TableCounts(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64, len(Tables))
	for _, table := range Tables {
		var n int64
		// table names come from the fixed list above
		if err := db.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, classify("count "+table, err)
		}
		counts[table] = n
	}
	return counts, nil
}

// Stats exposes the sql.DB pool counters for the debug endpoint.
func (db *PostgresDatabase) Stats() sql.DBStats {
	return db.db.Stats()
}

// Close 关闭连接
func (db *PostgresDatabase) Close() error {
	return db.db.Close()
}
