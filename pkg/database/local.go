package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"calendar-backend/pkg/models"
)

const localSnapshotFile = "calendar.json"

// LocalDatabase 本地数据库实现: in-memory tables with the same constraint
// semantics as the SQL schema. When dataDir is set every write is
// snapshotted to dataDir/calendar.json.
type LocalDatabase struct {
	mu      sync.RWMutex
	dataDir string

	users     map[int64]*localUser
	calendars map[int64]*models.Calendar
	schedules map[int64]*models.Schedule
	shares    map[int64]*models.Share
	nextID    map[string]int64
	closed    bool
}

// localUser keeps the password hash, which models.User hides from JSON.
type localUser struct {
	ID    int64  `json:"id"`
	Email string `json:"email"`
	PW    string `json:"pw"`
	Name  string `json:"name"`
}

type localSnapshot struct {
	Users     []*localUser       `json:"users"`
	Calendars []*models.Calendar `json:"calendars"`
	Schedules []*models.Schedule `json:"schedules"`
	Shares    []*models.Share    `json:"shares"`
	NextID    map[string]int64   `json:"next_id"`
}

// NewLocalDatabase 创建本地数据库实例; an empty dataDir keeps everything in memory.
func NewLocalDatabase(dataDir string) (*LocalDatabase, error) {
	db := &LocalDatabase{
		dataDir:   dataDir,
		users:     make(map[int64]*localUser),
		calendars: make(map[int64]*models.Calendar),
		schedules: make(map[int64]*models.Schedule),
		shares:    make(map[int64]*models.Share),
		nextID:    make(map[string]int64),
	}
	if dataDir == "" {
		return db, nil
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := db.load(); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *LocalDatabase) load() error {
	data, err := os.ReadFile(filepath.Join(db.dataDir, localSnapshotFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read local snapshot: %w", err)
	}
	var snap localSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to parse local snapshot: %w", err)
	}
	db.restore(&snap)
	slog.Info("📂 Loaded local snapshot", "users", len(db.users), "calendars", len(db.calendars))
	return nil
}

// snapshot 复制当前所有表; values are copied so later in-place edits do not leak into it.
func (db *LocalDatabase) snapshot() *localSnapshot {
	snap := &localSnapshot{NextID: make(map[string]int64, len(db.nextID))}
	for k, v := range db.nextID {
		snap.NextID[k] = v
	}
	for _, id := range sortedKeys(db.users) {
		u := *db.users[id]
		snap.Users = append(snap.Users, &u)
	}
	for _, id := range sortedKeys(db.calendars) {
		c := *db.calendars[id]
		snap.Calendars = append(snap.Calendars, &c)
	}
	for _, id := range sortedKeys(db.schedules) {
		s := *db.schedules[id]
		snap.Schedules = append(snap.Schedules, &s)
	}
	for _, id := range sortedKeys(db.shares) {
		s := *db.shares[id]
		snap.Shares = append(snap.Shares, &s)
	}
	return snap
}

// restore replaces every table with the snapshot's contents.
func (db *LocalDatabase) restore(snap *localSnapshot) {
	db.users = make(map[int64]*localUser, len(snap.Users))
	db.calendars = make(map[int64]*models.Calendar, len(snap.Calendars))
	db.schedules = make(map[int64]*models.Schedule, len(snap.Schedules))
	db.shares = make(map[int64]*models.Share, len(snap.Shares))
	db.nextID = make(map[string]int64, len(snap.NextID))
	for _, u := range snap.Users {
		db.users[u.ID] = u
	}
	for _, c := range snap.Calendars {
		db.calendars[c.ID] = c
	}
	for _, s := range snap.Schedules {
		db.schedules[s.ID] = s
	}
	for _, s := range snap.Shares {
		db.shares[s.ID] = s
	}
	for k, v := range snap.NextID {
		db.nextID[k] = v
	}
}

// checkpoint 写操作前的状态; nil for an in-memory store, which never fails to persist.
func (db *LocalDatabase) checkpoint() *localSnapshot {
	if db.dataDir == "" {
		return nil
	}
	return db.snapshot()
}

// commit writes the snapshot file. If the write fails the tables are rolled
// back to before, so a failed call leaves no trace. Callers hold the write lock.
func (db *LocalDatabase) commit(before *localSnapshot) error {
	if db.dataDir == "" {
		return nil
	}
	if err := db.persist(); err != nil {
		db.restore(before)
		return err
	}
	return nil
}

func (db *LocalDatabase) persist() error {
	data, err := json.MarshalIndent(db.snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal local snapshot: %w", err)
	}
	path := filepath.Join(db.dataDir, localSnapshotFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write local snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace local snapshot: %w", err)
	}
	return nil
}

func sortedKeys[V any](m map[int64]V) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func (db *LocalDatabase) allocID(table string) int64 {
	db.nextID[table]++
	return db.nextID[table]
}

func (db *LocalDatabase) checkOpen(op string) error {
	if db.closed {
		return &Error{Kind: ErrConnection, Op: op, Err: fmt.Errorf("local database closed")}
	}
	return nil
}

// ================= Users =================

// CreateUser 创建用户
func (db *LocalDatabase) CreateUser(ctx context.Context, user *models.User) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkOpen("create user"); err != nil {
		return err
	}
	before := db.checkpoint()
	for _, u := range db.users {
		if strings.EqualFold(u.Email, user.Email) {
			return constraint("create user", fmt.Errorf("duplicate email %q", user.Email))
		}
	}
	user.ID = db.allocID("users")
	db.users[user.ID] = &localUser{ID: user.ID, Email: user.Email, PW: user.Password, Name: user.Name}
	return db.commit(before)
}

func (u *localUser) model() *models.User {
	return &models.User{ID: u.ID, Email: u.Email, Password: u.PW, Name: u.Name}
}

// GetUserByEmail 根据邮箱获取用户
func (db *LocalDatabase) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.checkOpen("get user by email"); err != nil {
		return nil, err
	}
	for _, u := range db.users {
		if strings.EqualFold(u.Email, email) {
			return u.model(), nil
		}
	}
	return nil, notFound("get user by email")
}

// GetUserByID 根据ID获取用户
func (db *LocalDatabase) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.checkOpen("get user"); err != nil {
		return nil, err
	}
	u, ok := db.users[id]
	if !ok {
		return nil, notFound("get user")
	}
	return u.model(), nil
}

// ================= Calendars =================

func (db *LocalDatabase) CreateCalendar(ctx context.Context, cal *models.Calendar) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkOpen("create calendar"); err != nil {
		return err
	}
	before := db.checkpoint()
	if _, ok := db.users[cal.UserID]; !ok {
		return constraint("create calendar", fmt.Errorf("user %d does not exist", cal.UserID))
	}
	cal.ID = db.allocID("calendar")
	stored := *cal
	db.calendars[cal.ID] = &stored
	return db.commit(before)
}

func (db *LocalDatabase) GetCalendar(ctx context.Context, id int64) (*models.Calendar, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.checkOpen("get calendar"); err != nil {
		return nil, err
	}
	c, ok := db.calendars[id]
	if !ok {
		return nil, notFound("get calendar")
	}
	out := *c
	return &out, nil
}

func (db *LocalDatabase) ListCalendarsForUser(ctx context.Context, userID int64) ([]models.CalendarView, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.checkOpen("list calendars"); err != nil {
		return nil, err
	}
	owned := []models.CalendarView{}
	shared := []models.CalendarView{}
	for _, id := range sortedKeys(db.calendars) {
		c := db.calendars[id]
		if c.UserID == userID {
			owned = append(owned, models.CalendarView{Calendar: *c, Relation: models.RelationOwner, Permission: models.PermissionOwner})
			continue
		}
		if s := db.acceptedShare(c.ID, userID); s != nil {
			shared = append(shared, models.CalendarView{Calendar: *c, Relation: models.RelationShared, Permission: s.EffectivePermission()})
		}
	}
	return append(owned, shared...), nil
}

func (db *LocalDatabase) acceptedShare(calendarID, targetID int64) *models.Share {
	for _, s := range db.shares {
		if s.CalendarID == calendarID && s.TargetID == targetID && s.Status == models.ShareAccepted {
			return s
		}
	}
	return nil
}

func (db *LocalDatabase) UpdateCalendar(ctx context.Context, cal *models.Calendar) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkOpen("update calendar"); err != nil {
		return err
	}
	before := db.checkpoint()
	c, ok := db.calendars[cal.ID]
	if !ok {
		return notFound("update calendar")
	}
	c.Name = cal.Name
	c.Description = cal.Description
	c.Visibility = cal.Visibility
	return db.commit(before)
}

func (db *LocalDatabase) UpdateCalendarVisibility(ctx context.Context, id int64, visibility models.Visibility) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkOpen("update calendar visibility"); err != nil {
		return err
	}
	before := db.checkpoint()
	c, ok := db.calendars[id]
	if !ok {
		return notFound("update calendar visibility")
	}
	c.Visibility = visibility
	return db.commit(before)
}

func (db *LocalDatabase) DeleteCalendar(ctx context.Context, id int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkOpen("delete calendar"); err != nil {
		return err
	}
	before := db.checkpoint()
	if _, ok := db.calendars[id]; !ok {
		return notFound("delete calendar")
	}
	for sid, s := range db.schedules {
		if s.CalendarID == id {
			delete(db.schedules, sid)
		}
	}
	for sid, s := range db.shares {
		if s.CalendarID == id {
			delete(db.shares, sid)
		}
	}
	delete(db.calendars, id)
	return db.commit(before)
}

// ================= Schedules =================

func (db *LocalDatabase) CreateSchedule(ctx context.Context, s *models.Schedule) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkOpen("create schedule"); err != nil {
		return err
	}
	before := db.checkpoint()
	if _, ok := db.calendars[s.CalendarID]; !ok {
		return constraint("create schedule", fmt.Errorf("calendar %d does not exist", s.CalendarID))
	}
	s.ID = db.allocID("schedule")
	stored := *s
	db.schedules[s.ID] = &stored
	return db.commit(before)
}

func (db *LocalDatabase) GetSchedule(ctx context.Context, id int64) (*models.Schedule, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.checkOpen("get schedule"); err != nil {
		return nil, err
	}
	s, ok := db.schedules[id]
	if !ok {
		return nil, notFound("get schedule")
	}
	out := *s
	return &out, nil
}

func (db *LocalDatabase) ListSchedules(ctx context.Context, calendarID int64) ([]models.Schedule, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.checkOpen("list schedules"); err != nil {
		return nil, err
	}
	list := []models.Schedule{}
	for _, s := range db.schedules {
		if s.CalendarID == calendarID {
			list = append(list, *s)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].Time.Equal(list[j].Time.Time) {
			return list[i].Time.Before(list[j].Time.Time)
		}
		return list[i].ID < list[j].ID
	})
	return list, nil
}

func (db *LocalDatabase) UpdateSchedule(ctx context.Context, s *models.Schedule) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkOpen("update schedule"); err != nil {
		return err
	}
	before := db.checkpoint()
	cur, ok := db.schedules[s.ID]
	if !ok {
		return notFound("update schedule")
	}
	cur.Title = s.Title
	cur.Time = s.Time
	cur.Place = s.Place
	cur.Memo = s.Memo
	return db.commit(before)
}

func (db *LocalDatabase) DeleteSchedule(ctx context.Context, id int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkOpen("delete schedule"); err != nil {
		return err
	}
	before := db.checkpoint()
	if _, ok := db.schedules[id]; !ok {
		return notFound("delete schedule")
	}
	delete(db.schedules, id)
	return db.commit(before)
}

// ================= Shares =================

func (db *LocalDatabase) CreateShare(ctx context.Context, share *models.Share) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkOpen("create share"); err != nil {
		return err
	}
	before := db.checkpoint()
	c, ok := db.calendars[share.CalendarID]
	if !ok || c.UserID != share.UserID {
		return notFound("create share")
	}
	if _, ok := db.users[share.TargetID]; !ok {
		return constraint("create share", fmt.Errorf("user %d does not exist", share.TargetID))
	}
	for _, s := range db.shares {
		if s.CalendarID == share.CalendarID && s.TargetID == share.TargetID {
			return constraint("create share", fmt.Errorf("calendar %d already shared with %d", share.CalendarID, share.TargetID))
		}
	}
	share.ID = db.allocID("share")
	stored := *share
	db.shares[share.ID] = &stored
	return db.commit(before)
}

func (db *LocalDatabase) GetShare(ctx context.Context, id int64) (*models.Share, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.checkOpen("get share"); err != nil {
		return nil, err
	}
	s, ok := db.shares[id]
	if !ok {
		return nil, notFound("get share")
	}
	out := *s
	return &out, nil
}

func (db *LocalDatabase) GetAcceptedShare(ctx context.Context, calendarID, targetID int64) (*models.Share, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.checkOpen("get accepted share"); err != nil {
		return nil, err
	}
	s := db.acceptedShare(calendarID, targetID)
	if s == nil {
		return nil, notFound("get accepted share")
	}
	out := *s
	return &out, nil
}

func (db *LocalDatabase) ListPendingInvites(ctx context.Context, targetID int64) ([]models.Invite, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.checkOpen("list invites"); err != nil {
		return nil, err
	}
	list := []models.Invite{}
	for _, id := range sortedKeys(db.shares) {
		s := db.shares[id]
		if s.TargetID != targetID || s.Status != models.SharePending {
			continue
		}
		inviter, okU := db.users[s.UserID]
		cal, okC := db.calendars[s.CalendarID]
		if !okU || !okC {
			continue
		}
		list = append(list, models.Invite{
			ID:           s.ID,
			UserID:       s.UserID,
			CalendarID:   s.CalendarID,
			Status:       s.Status,
			FromUser:     inviter.Name,
			CalendarName: cal.Name,
		})
	}
	return list, nil
}

func (db *LocalDatabase) ListSharesByCalendar(ctx context.Context, calendarID int64) ([]models.ShareView, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if err := db.checkOpen("list shares"); err != nil {
		return nil, err
	}
	list := []models.ShareView{}
	for _, id := range sortedKeys(db.shares) {
		s := db.shares[id]
		if s.CalendarID != calendarID {
			continue
		}
		target, ok := db.users[s.TargetID]
		if !ok {
			continue
		}
		list = append(list, models.ShareView{
			ShareID:     s.ID,
			TargetID:    s.TargetID,
			TargetName:  target.Name,
			TargetEmail: target.Email,
			Status:      s.Status,
			Permission:  s.EffectivePermission(),
		})
	}
	return list, nil
}

func (db *LocalDatabase) UpdateShareStatus(ctx context.Context, id int64, status models.ShareStatus) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkOpen("update share status"); err != nil {
		return err
	}
	before := db.checkpoint()
	s, ok := db.shares[id]
	if !ok {
		return notFound("update share status")
	}
	s.Status = status
	return db.commit(before)
}

func (db *LocalDatabase) UpdateSharePermission(ctx context.Context, id int64, permission models.Permission) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.checkOpen("update share permission"); err != nil {
		return err
	}
	before := db.checkpoint()
	s, ok := db.shares[id]
	if !ok {
		return notFound("update share permission")
	}
	s.Permission = permission
	return db.commit(before)
}

// HealthCheck 健康检查
func (db *LocalDatabase) HealthCheck(ctx context.Context) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.checkOpen("ping")
}

// Close 关闭连接
func (db *LocalDatabase) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.closed = true
	return nil
}
