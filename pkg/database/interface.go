package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"calendar-backend/pkg/models"
)

// DatabaseInterface 定义数据库访问接口
type DatabaseInterface interface {
	// 用户管理
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByID(ctx context.Context, id int64) (*models.User, error)

	// Calendars
	CreateCalendar(ctx context.Context, cal *models.Calendar) error
	GetCalendar(ctx context.Context, id int64) (*models.Calendar, error)
	// ListCalendarsForUser returns calendars owned by userID plus those shared
	// with it through an accepted share, owned ones first.
	ListCalendarsForUser(ctx context.Context, userID int64) ([]models.CalendarView, error)
	UpdateCalendar(ctx context.Context, cal *models.Calendar) error
	UpdateCalendarVisibility(ctx context.Context, id int64, visibility models.Visibility) error
	// DeleteCalendar removes the calendar with its schedules and shares atomically.
	DeleteCalendar(ctx context.Context, id int64) error

	// Schedules
	CreateSchedule(ctx context.Context, s *models.Schedule) error
	GetSchedule(ctx context.Context, id int64) (*models.Schedule, error)
	// ListSchedules orders by time ascending, then id.
	ListSchedules(ctx context.Context, calendarID int64) ([]models.Schedule, error)
	UpdateSchedule(ctx context.Context, s *models.Schedule) error
	DeleteSchedule(ctx context.Context, id int64) error

	// Shares
	// CreateShare inserts the share only if share.UserID owns the calendar at
	// insert time; otherwise it fails with ErrNotFound.
	CreateShare(ctx context.Context, share *models.Share) error
	GetShare(ctx context.Context, id int64) (*models.Share, error)
	// GetAcceptedShare looks up the accepted share of calendarID for targetID.
	GetAcceptedShare(ctx context.Context, calendarID, targetID int64) (*models.Share, error)
	ListPendingInvites(ctx context.Context, targetID int64) ([]models.Invite, error)
	ListSharesByCalendar(ctx context.Context, calendarID int64) ([]models.ShareView, error)
	UpdateShareStatus(ctx context.Context, id int64, status models.ShareStatus) error
	UpdateSharePermission(ctx context.Context, id int64, permission models.Permission) error

	// 健康检查
	HealthCheck(ctx context.Context) error

	// 关闭连接
	Close() error
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	PostgresDSN     string
	UseLocalDB      bool
	LocalDataDir    string
	AutoMigrate     bool
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	Debug           bool
}

// NewDatabase 根据配置选择数据库实现: PostgreSQL > local store
func NewDatabase(ctx context.Context, config DatabaseConfig) (DatabaseInterface, error) {
	if config.PostgresDSN != "" {
		slog.Info("🗄️  Using PostgreSQL database")
		pg, err := NewPostgresDatabase(ctx, config)
		if err != nil {
			return nil, err
		}
		if config.AutoMigrate {
			if err := pg.EnsureSchema(ctx); err != nil {
				pg.Close()
				return nil, err
			}
		}
		return pg, nil
	}

	if config.UseLocalDB {
		slog.Info("🧰  Using local database", "data_dir", config.LocalDataDir)
		local, err := NewLocalDatabase(config.LocalDataDir)
		if err != nil {
			return nil, err
		}
		return local, nil
	}

	return nil, fmt.Errorf("no valid database configuration found, please configure POSTGRES_DSN or USE_LOCAL_DB=true")
}
