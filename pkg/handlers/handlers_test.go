package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"calendar-backend/pkg/config"
	"calendar-backend/pkg/database"
	"calendar-backend/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	t   *testing.T
	cfg *config.Config
	db  *database.LocalDatabase
	d   *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.NewLocalDatabase("")
	require.NoError(t, err)
	cfg := &config.Config{
		Environment: "test",
		JWTSecret:   "test-secret",
		TokenTTL:    time.Hour,
		BcryptCost:  4,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{t: t, cfg: cfg, db: db, d: NewDispatcher(cfg, db, logger)}
}

// call dispatches req as the wire would deliver it.
func (f *fixture) call(req map[string]interface{}) Result {
	f.t.Helper()
	raw, err := json.Marshal(req)
	require.NoError(f.t, err)
	return f.d.Dispatch(context.Background(), raw)
}

func (f *fixture) ok(req map[string]interface{}) Result {
	f.t.Helper()
	res := f.call(req)
	require.True(f.t, res.Success(), "action %v failed: %s", req["action"], res.Message())
	return res
}

func (f *fixture) register(email, name string) int64 {
	f.t.Helper()
	res := f.ok(map[string]interface{}{"action": "register", "email": email, "pw": "pw-" + name, "name": name})
	return res["user_id"].(int64)
}

func (f *fixture) calendar(owner int64, name string) int64 {
	f.t.Helper()
	res := f.ok(map[string]interface{}{"action": "calendar_add", "user_id": owner, "name": name})
	return res["calendar_id"].(int64)
}

// share invites target and accepts with the given permission.
func (f *fixture) share(owner, target, calendarID int64, perm models.Permission) int64 {
	f.t.Helper()
	res := f.ok(map[string]interface{}{"action": "invite_send", "user_id": owner, "target_id": target, "calendar_id": calendarID})
	shareID := res["share_id"].(int64)
	f.ok(map[string]interface{}{"action": "invite_response", "share_id": shareID, "status": "accept", "user_id": target})
	if perm != models.PermissionRead {
		f.ok(map[string]interface{}{"action": "calendar_set_permission", "share_id": shareID, "permission": string(perm), "user_id": owner})
	}
	return shareID
}

func TestRegisterAndFindUser(t *testing.T) {
	f := newFixture(t)

	id := f.register("a@x.com", "A")
	assert.Positive(t, id)

	dup := f.call(map[string]interface{}{"action": "register", "email": "A@x.com", "pw": "other", "name": "A2"})
	assert.False(t, dup.Success())
	assert.Equal(t, "email already registered", dup.Message())

	found := f.ok(map[string]interface{}{"action": "find_user", "email": "a@x.com"})
	assert.Equal(t, id, found["user_id"])
	assert.Equal(t, "A", found["name"])
	assert.Equal(t, "a@x.com", found["email"])

	missing := f.call(map[string]interface{}{"action": "find_user", "email": "nobody@x.com"})
	assert.Equal(t, "user not found", missing.Message())

	// the stored password is a bcrypt hash, never the plaintext
	u, err := f.db.GetUserByEmail(context.Background(), "a@x.com")
	require.NoError(t, err)
	assert.NotEqual(t, "pw-A", u.Password)
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	id := f.register("a@x.com", "A")

	res := f.ok(map[string]interface{}{"action": "login", "email": "a@x.com", "pw": "pw-A"})
	assert.Equal(t, id, res["user_id"])
	assert.Equal(t, "A", res["name"])
	assert.NotEmpty(t, res["token"])

	for _, req := range []map[string]interface{}{
		{"action": "login", "email": "a@x.com", "pw": "wrong"},
		{"action": "login", "email": "ghost@x.com", "pw": "pw-A"},
	} {
		res := f.call(req)
		assert.False(t, res.Success())
		assert.Equal(t, "invalid email or password", res.Message())
	}
}

func TestSessionToken(t *testing.T) {
	f := newFixture(t)
	a := f.register("a@x.com", "A")
	b := f.register("b@x.com", "B")
	token := f.ok(map[string]interface{}{"action": "login", "email": "a@x.com", "pw": "pw-A"})["token"].(string)

	f.ok(map[string]interface{}{"action": "calendar_list", "user_id": a, "token": token})

	res := f.call(map[string]interface{}{"action": "calendar_list", "user_id": b, "token": token})
	assert.Equal(t, "token does not match user", res.Message())

	res = f.call(map[string]interface{}{"action": "calendar_list", "user_id": a, "token": "garbage"})
	assert.Equal(t, "invalid token", res.Message())

	f.cfg.RequireToken = true
	res = f.call(map[string]interface{}{"action": "calendar_list", "user_id": a})
	assert.Equal(t, "authentication required", res.Message())
	f.ok(map[string]interface{}{"action": "calendar_list", "user_id": a, "token": token})
	// login itself never needs a token
	f.ok(map[string]interface{}{"action": "login", "email": "b@x.com", "pw": "pw-B"})
}

func TestResolver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.register("o@x.com", "O")
	writer := f.register("w@x.com", "W")
	pending := f.register("p@x.com", "P")
	stranger := f.register("s@x.com", "S")
	cal := f.calendar(owner, "Team")

	f.share(owner, writer, cal, models.PermissionWrite)
	f.ok(map[string]interface{}{"action": "invite_send", "user_id": owner, "target_id": pending, "calendar_id": cal})

	tests := []struct {
		name string
		user int64
		want models.Permission
	}{
		{"owner", owner, models.PermissionOwner},
		{"accepted write share", writer, models.PermissionWrite},
		{"pending share", pending, models.PermissionNone},
		{"no share", stranger, models.PermissionNone},
	}
	r := f.d.Resolver()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(ctx, tt.user, cal)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	got, err := r.Resolve(ctx, owner, 9999)
	require.NoError(t, err)
	assert.Equal(t, models.PermissionNone, got)
}

func TestSchedulePermissions(t *testing.T) {
	f := newFixture(t)
	owner := f.register("o@x.com", "O")
	reader := f.register("r@x.com", "R")
	writer := f.register("w@x.com", "W")
	full := f.register("f@x.com", "F")
	cal := f.calendar(owner, "Team")
	f.share(owner, reader, cal, models.PermissionRead)
	f.share(owner, writer, cal, models.PermissionWrite)
	f.share(owner, full, cal, models.PermissionFull)

	add := func(user int64, title, when string) Result {
		return f.call(map[string]interface{}{
			"action": "schedule_add", "calendar_id": cal, "user_id": user, "title": title, "time": when,
		})
	}

	denied := add(reader, "nope", "2024-03-01 10:00:00")
	assert.False(t, denied.Success())
	assert.Equal(t, "permission denied", denied.Message())

	require.True(t, add(owner, "evening", "2024-03-01 18:00:00").Success())
	writerRes := add(writer, "morning", "2024-03-01 08:00:00")
	require.True(t, writerRes.Success())
	require.True(t, add(full, "noon", "2024-03-01 12:00").Success())

	list := f.ok(map[string]interface{}{"action": "schedule_list", "calendar_id": cal, "user_id": reader})
	schedules := list["schedules"].([]models.Schedule)
	var titles []string
	for _, s := range schedules {
		titles = append(titles, s.Title)
	}
	assert.Equal(t, []string{"morning", "noon", "evening"}, titles)

	// write may add but not edit; full may edit
	scheduleID := writerRes["schedule_id"].(int64)
	update := map[string]interface{}{
		"action": "schedule_update", "schedule_id": scheduleID, "title": "moved", "time": "2024-03-01 07:00:00",
	}
	update["user_id"] = writer
	assert.Equal(t, "permission denied", f.call(update).Message())
	update["user_id"] = full
	f.ok(update)

	del := map[string]interface{}{"action": "schedule_delete", "schedule_id": scheduleID, "user_id": reader}
	assert.Equal(t, "permission denied", f.call(del).Message())
	del["user_id"] = owner
	f.ok(del)
	assert.Equal(t, "schedule not found", f.call(del).Message())
}

func TestScheduleListRequiresAccess(t *testing.T) {
	f := newFixture(t)
	owner := f.register("o@x.com", "O")
	stranger := f.register("s@x.com", "S")
	cal := f.calendar(owner, "Private")

	res := f.call(map[string]interface{}{"action": "schedule_list", "calendar_id": cal, "user_id": stranger})
	assert.Equal(t, "permission denied", res.Message())

	res = f.call(map[string]interface{}{"action": "schedule_list", "calendar_id": 404, "user_id": owner})
	assert.Equal(t, "calendar not found", res.Message())
}

func TestCalendarOwnerActions(t *testing.T) {
	f := newFixture(t)
	owner := f.register("o@x.com", "O")
	other := f.register("x@x.com", "X")
	cal := f.calendar(owner, "Work")
	f.share(owner, other, cal, models.PermissionFull)

	upd := map[string]interface{}{"action": "calendar_update", "calendar_id": cal, "user_id": other, "name": "Hijacked"}
	assert.Equal(t, "only the calendar owner can do this", f.call(upd).Message())
	upd["user_id"] = owner
	upd["name"] = "Work 2"
	upd["description"] = "team calendar"
	f.ok(upd)

	f.ok(map[string]interface{}{"action": "calendar_visibility", "calendar_id": cal, "user_id": owner, "visibility": "비공개"})
	bad := f.call(map[string]interface{}{"action": "calendar_visibility", "calendar_id": cal, "user_id": owner, "visibility": "secret"})
	assert.False(t, bad.Success())

	got, err := f.db.GetCalendar(context.Background(), cal)
	require.NoError(t, err)
	assert.Equal(t, "Work 2", got.Name)
	assert.Equal(t, "team calendar", got.Description)
	assert.Equal(t, models.VisibilityPrivate, got.Visibility)

	list := f.ok(map[string]interface{}{"action": "calendar_list", "user_id": other})
	views := list["calendars"].([]models.CalendarView)
	require.Len(t, views, 1)
	assert.Equal(t, models.RelationShared, views[0].Relation)
	assert.Equal(t, models.PermissionFull, views[0].Permission)
}

func TestCalendarDelete(t *testing.T) {
	f := newFixture(t)
	owner := f.register("o@x.com", "O")
	member := f.register("m@x.com", "M")
	cal := f.calendar(owner, "Work")
	f.share(owner, member, cal, models.PermissionFull)
	f.ok(map[string]interface{}{"action": "schedule_add", "calendar_id": cal, "user_id": owner, "title": "t", "time": "2024-01-01 09:00:00"})

	// full permission does not allow deleting the calendar
	res := f.call(map[string]interface{}{"action": "calendar_delete", "calendar_id": cal, "user_id": member})
	assert.Equal(t, "only the calendar owner can do this", res.Message())

	f.ok(map[string]interface{}{"action": "calendar_delete", "calendar_id": cal, "user_id": owner})

	res = f.call(map[string]interface{}{"action": "schedule_list", "calendar_id": cal, "user_id": owner})
	assert.Equal(t, "calendar not found", res.Message())
	res = f.call(map[string]interface{}{"action": "calendar_share_list", "calendar_id": cal, "user_id": owner})
	assert.Equal(t, "calendar not found", res.Message())

	schedules, err := f.db.ListSchedules(context.Background(), cal)
	require.NoError(t, err)
	assert.Empty(t, schedules)

	list := f.ok(map[string]interface{}{"action": "calendar_list", "user_id": member})
	assert.Empty(t, list["calendars"])
}

func TestInviteRules(t *testing.T) {
	f := newFixture(t)
	a := f.register("a@x.com", "A")
	b := f.register("b@x.com", "B")
	c := f.register("c@x.com", "C")
	cal := f.calendar(a, "Work")

	self := f.call(map[string]interface{}{"action": "invite_send", "user_id": a, "target_id": a, "calendar_id": cal})
	assert.Equal(t, "cannot invite yourself", self.Message())

	ghost := f.call(map[string]interface{}{"action": "invite_send", "user_id": a, "target_id": 999, "calendar_id": cal})
	assert.Equal(t, "user not found", ghost.Message())

	notOwner := f.call(map[string]interface{}{"action": "invite_send", "user_id": b, "target_id": c, "calendar_id": cal})
	assert.Equal(t, "only the calendar owner can do this", notOwner.Message())

	sent := f.ok(map[string]interface{}{"action": "invite_send", "user_id": a, "target_id": b, "calendar_id": cal})
	shareID := sent["share_id"].(int64)

	again := f.call(map[string]interface{}{"action": "invite_send", "user_id": a, "target_id": b, "calendar_id": cal})
	assert.Equal(t, "calendar already shared with this user", again.Message())

	// only the invited user may answer
	res := f.call(map[string]interface{}{"action": "invite_response", "share_id": shareID, "status": "accept", "user_id": c})
	assert.Equal(t, "permission denied", res.Message())

	res = f.call(map[string]interface{}{"action": "invite_response", "share_id": 999, "status": "accept", "user_id": b})
	assert.Equal(t, "invite not found", res.Message())

	f.ok(map[string]interface{}{"action": "invite_response", "share_id": shareID, "status": "reject", "user_id": b})
	list := f.ok(map[string]interface{}{"action": "calendar_list", "user_id": b})
	assert.Empty(t, list["calendars"], "rejected share grants nothing")

	// only the owner may change the permission
	res = f.call(map[string]interface{}{"action": "calendar_set_permission", "share_id": shareID, "permission": "full", "user_id": b})
	assert.Equal(t, "only the calendar owner can do this", res.Message())
	res = f.call(map[string]interface{}{"action": "calendar_set_permission", "share_id": 999, "permission": "full", "user_id": a})
	assert.Equal(t, "share not found", res.Message())
}

func TestEndToEndSharing(t *testing.T) {
	f := newFixture(t)
	a := f.register("a@x.com", "A")
	b := f.register("b@x.com", "B")

	cal := f.calendar(a, "Work")
	f.ok(map[string]interface{}{"action": "invite_send", "user_id": a, "target_id": b, "calendar_id": cal})

	invites := f.ok(map[string]interface{}{"action": "invite_list", "target_id": b})["invites"].([]models.Invite)
	require.Len(t, invites, 1)
	assert.Equal(t, models.SharePending, invites[0].Status)
	assert.Equal(t, "A", invites[0].FromUser)
	assert.Equal(t, "Work", invites[0].CalendarName)

	f.ok(map[string]interface{}{"action": "invite_response", "share_id": invites[0].ID, "status": "accept", "user_id": b})

	shares := f.ok(map[string]interface{}{"action": "calendar_share_list", "calendar_id": cal, "user_id": a})["shares"].([]models.ShareView)
	require.Len(t, shares, 1)
	assert.Equal(t, b, shares[0].TargetID)
	assert.Equal(t, "B", shares[0].TargetName)
	assert.Equal(t, "b@x.com", shares[0].TargetEmail)
	assert.Equal(t, models.ShareAccepted, shares[0].Status)
	assert.Equal(t, models.PermissionRead, shares[0].Permission)

	before := f.call(map[string]interface{}{"action": "schedule_add", "calendar_id": cal, "user_id": b, "title": "sync", "time": "2024-06-01 10:00:00"})
	assert.Equal(t, "permission denied", before.Message())

	f.ok(map[string]interface{}{"action": "calendar_set_permission", "share_id": shares[0].ShareID, "permission": "write", "user_id": a})

	f.ok(map[string]interface{}{"action": "schedule_add", "calendar_id": cal, "user_id": b, "title": "sync", "time": "2024-06-01 10:00:00"})

	invites = f.ok(map[string]interface{}{"action": "invite_list", "target_id": b})["invites"].([]models.Invite)
	assert.Empty(t, invites)
}

func TestDispatchFailures(t *testing.T) {
	f := newFixture(t)

	res := f.call(map[string]interface{}{"action": "teleport"})
	assert.Equal(t, "unknown action: teleport", res.Message())

	res = f.call(map[string]interface{}{"action": "calendar_add", "user_id": 1})
	assert.Equal(t, "missing field: name", res.Message())

	res = f.call(map[string]interface{}{"action": "calendar_add", "user_id": 77, "name": "orphan"})
	assert.Equal(t, "user not found", res.Message())

	require.NoError(t, f.db.Close())
	res = f.call(map[string]interface{}{"action": "calendar_list", "user_id": 1})
	assert.False(t, res.Success())
	assert.Equal(t, "database unavailable", res.Message())
}

func TestResultJSON(t *testing.T) {
	data, err := json.Marshal(Failure("permission denied"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":false,"message":"permission denied"}`, string(data))

	data, err = json.Marshal(okResult("").with("calendar_id", int64(3)))
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"calendar_id":3}`, string(data))
}
