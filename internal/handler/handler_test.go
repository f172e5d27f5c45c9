package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"ikid/internal/apperr"
	"ikid/internal/auth"
	"ikid/internal/children"
	"ikid/internal/model"
	"ikid/internal/presence"
	"ikid/internal/users"
)

const (
	testKey    = "handler-test-key"
	testIssuer = "ikid"
)

type fakeAttendance struct {
	mu     sync.Mutex
	hub    *presence.Hub
	events []model.Event
	err    error
}

func (f *fakeAttendance) record(action model.Action, childID, actor, notes string) (model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return model.Event{}, f.err
	}
	evt := model.Event{ID: "e" + childID, ChildID: childID, UserID: actor, Action: action, Notes: notes,
		Timestamp: time.Date(2026, 10, 16, 6, 5, 0, 0, time.UTC)}
	f.events = append([]model.Event{evt}, f.events...)
	return evt, nil
}

func (f *fakeAttendance) CheckIn(ctx context.Context, childID, actor, notes string) (model.Event, error) {
	return f.record(model.ActionCheckIn, childID, actor, notes)
}

func (f *fakeAttendance) CheckOut(ctx context.Context, childID, actor, notes string) (model.Event, error) {
	return f.record(model.ActionCheckOut, childID, actor, notes)
}

func (f *fakeAttendance) ChildLedger(ctx context.Context, childID string) ([]model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res := []model.Event{}
	for _, e := range f.events {
		if e.ChildID == childID {
			res = append(res, e)
		}
	}
	return res, nil
}

func (f *fakeAttendance) AllLedger(ctx context.Context) ([]model.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Event{}, f.events...), nil
}

func (f *fakeAttendance) Presence(ctx context.Context, childID string) (model.Presence, error) {
	p, ok := f.hub.Latest(childID)
	if !ok {
		return model.Presence{ChildID: childID, Status: model.StatusNotCheckedIn}, nil
	}
	return p, nil
}

func (f *fakeAttendance) SubscribeToPresence(ctx context.Context, childID string, fn func(model.Presence)) (*presence.Subscription, error) {
	return f.hub.Subscribe(childID, fn), nil
}

// fakeChildren implements the lookups used by the tests; other methods panic
// through the nil embedded interface.
type fakeChildren struct {
	Children
	known   map[string]model.Child
	created children.NewChild
}

func (f *fakeChildren) Get(ctx context.Context, actorID, id string) (model.Child, error) {
	c, ok := f.known[id]
	if !ok || (actorID == "parent" && !c.HasGuardian(actorID)) {
		return model.Child{}, apperr.New(apperr.KindNotFound, "child %s not found", id)
	}
	return c, nil
}

func (f *fakeChildren) Create(ctx context.Context, actorID string, in children.NewChild) (model.Child, error) {
	f.created = in
	return model.Child{ID: "new", FirstName: in.FirstName, LastName: in.LastName, DateOfBirth: in.DateOfBirth}, nil
}

type childLookup map[string]model.Child

func (l childLookup) Get(ctx context.Context, id string) (model.Child, error) {
	c, ok := l[id]
	if !ok {
		return model.Child{}, apperr.New(apperr.KindNotFound, "child %s not found", id)
	}
	return c, nil
}

type fakeUsers struct {
	Users
	registered users.Registration
}

func (f *fakeUsers) Authenticate(ctx context.Context, email, password string) (model.User, error) {
	if email == "kari@ikid.no" && password == "Sterkt-Passord1" {
		return model.User{ID: "parent", Email: email, Role: model.RoleParent}, nil
	}
	return model.User{}, apperr.New(apperr.KindUnauthorized, "invalid email or password")
}

func (f *fakeUsers) Register(ctx context.Context, actorID string, in users.Registration) (model.User, error) {
	f.registered = in
	return model.User{ID: "u-new", Email: in.Email, Role: in.Role}, nil
}

type fakeSessions struct{}

func (fakeSessions) Start(ctx context.Context, u model.User) (auth.TokenPair, error) {
	return auth.Issue(u.ID, u.Role, testIssuer, testKey, time.Minute, time.Hour)
}

func (fakeSessions) Refresh(ctx context.Context, token string) (auth.TokenPair, model.User, error) {
	return auth.TokenPair{}, model.User{}, apperr.New(apperr.KindUnauthorized, "refresh token is not valid")
}

type fixture struct {
	router     *gin.Engine
	handler    *Handler
	attendance *fakeAttendance
	children   *fakeChildren
	users      *fakeUsers
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	kids := map[string]model.Child{
		"c1": {ID: "c1", FirstName: "Ola", LastName: "Nordmann", ParentIDs: []string{"parent"}},
		"c2": {ID: "c2", FirstName: "Nora", LastName: "Hansen"},
	}
	f := &fixture{
		attendance: &fakeAttendance{hub: presence.NewHub()},
		children:   &fakeChildren{known: kids},
		users:      &fakeUsers{},
	}
	f.handler = New(Deps{
		Attendance:  f.attendance,
		Children:    f.children,
		ChildLookup: childLookup(kids),
		Users:       f.users,
		Sessions:    fakeSessions{},
		Location:    time.UTC,
		Checks: map[string]HealthCheck{
			"db":    func(context.Context) bool { return true },
			"redis": func(context.Context) bool { return false },
		},
	})
	f.router = gin.New()
	f.handler.Register(f.router, auth.Authenticate(testKey, testIssuer), func(c *gin.Context) { c.Next() })
	return f
}

func token(t *testing.T, sub string, role model.Role) string {
	t.Helper()
	pair, err := auth.Issue(sub, role, testIssuer, testKey, time.Minute, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return pair.AccessToken
}

func (f *fixture) do(method, path, bearer, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		kind apperr.Kind
		want int
	}{
		{apperr.KindValidation, http.StatusBadRequest},
		{apperr.KindNotFound, http.StatusNotFound},
		{apperr.KindInvalidTransition, http.StatusConflict},
		{apperr.KindConflict, http.StatusConflict},
		{apperr.KindUnauthorized, http.StatusForbidden},
		{apperr.KindStoreUnavailable, http.StatusServiceUnavailable},
		{apperr.KindWriteFailed, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusOf(apperr.New(tt.kind, "x")); got != tt.want {
			t.Errorf("statusOf(%s) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}

func TestHealthzReportsDegradedDependency(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["db"] != true || body["redis"] != false || body["status"] != "degraded" {
		t.Fatalf("body = %v", body)
	}
}

func TestLogin(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/v1/auth/login", "", `{"email":"kari@ikid.no","password":"Sterkt-Passord1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var resp sessionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.User.ID != "parent" || resp.Tokens.AccessToken == "" {
		t.Fatalf("unexpected response %+v", resp)
	}

	rec = f.do(http.MethodPost, "/v1/auth/login", "", `{"email":"kari@ikid.no","password":"wrong"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad credentials status = %d", rec.Code)
	}
	rec = f.do(http.MethodPost, "/v1/auth/refresh", "", `{"refresh_token":"stale"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("refresh status = %d", rec.Code)
	}
}

func TestRegisterParentOnly(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/v1/auth/register", "", `{"email":"a@b.no","password":"x","name":"A","role":"staff"}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("staff sign-up status = %d", rec.Code)
	}
	rec = f.do(http.MethodPost, "/v1/auth/register", "", `{"email":"a@b.no","password":"x","name":"A"}`)
	if rec.Code != http.StatusCreated || f.users.registered.Role != model.RoleParent {
		t.Fatalf("status = %d, role = %s", rec.Code, f.users.registered.Role)
	}
}

func TestPasswordStrength(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/v1/auth/password-strength", "", `{"password":"Str0ng!Passw"}`)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"valid":true`) {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
}

func TestCheckInRequiresStaff(t *testing.T) {
	f := newFixture(t)
	if rec := f.do(http.MethodPost, "/v1/children/c1/checkin", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/v1/children/c1/checkin", token(t, "parent", model.RoleParent), ""); rec.Code != http.StatusForbidden {
		t.Fatalf("parent status = %d", rec.Code)
	}

	rec := f.do(http.MethodPost, "/v1/children/c1/checkin", token(t, "staff", model.RoleStaff), `{"notes":"glad i dag"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("staff status = %d: %s", rec.Code, rec.Body)
	}
	var evt model.Event
	if err := json.Unmarshal(rec.Body.Bytes(), &evt); err != nil {
		t.Fatal(err)
	}
	if evt.UserID != "staff" || evt.Action != model.ActionCheckIn || evt.Notes != "glad i dag" {
		t.Fatalf("unexpected event %+v", evt)
	}
}

func TestCheckInConflict(t *testing.T) {
	f := newFixture(t)
	f.attendance.err = apperr.New(apperr.KindInvalidTransition, "child c1 is already checked in")
	rec := f.do(http.MethodPost, "/v1/children/c1/checkin", token(t, "staff", model.RoleStaff), "")
	if rec.Code != http.StatusConflict || !strings.Contains(rec.Body.String(), `"code":"invalid_transition"`) {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
}

func TestChildLogsHiddenFromOtherParents(t *testing.T) {
	f := newFixture(t)
	parent := token(t, "parent", model.RoleParent)
	if rec := f.do(http.MethodGet, "/v1/children/c1/logs", parent, ""); rec.Code != http.StatusOK {
		t.Fatalf("own child status = %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/v1/children/c2/logs", parent, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("foreign child status = %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/v1/logs", parent, ""); rec.Code != http.StatusForbidden {
		t.Fatalf("all logs as parent status = %d", rec.Code)
	}
}

func TestExportCSV(t *testing.T) {
	f := newFixture(t)
	staff := token(t, "staff", model.RoleStaff)
	f.do(http.MethodPost, "/v1/children/c1/checkin", staff, "")
	f.do(http.MethodPost, "/v1/children/gone/checkin", staff, "")

	rec := f.do(http.MethodGet, "/v1/logs/export.csv", staff, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/csv") {
		t.Fatalf("content type = %s", ct)
	}
	want := "Dato,Tid,Barn,Handling,Notater\n" +
		`"16. oktober 2026","06:05","Ukjent","Innkryssing",""` + "\n" +
		`"16. oktober 2026","06:05","Ola Nordmann","Innkryssing",""`
	if rec.Body.String() != want {
		t.Fatalf("csv:\n%s\nwant:\n%s", rec.Body.String(), want)
	}

	rec = f.do(http.MethodGet, "/v1/logs/export.csv?child_id=c1", staff, "")
	if lines := strings.Split(rec.Body.String(), "\n"); len(lines) != 2 {
		t.Fatalf("filtered export has %d lines", len(lines))
	}
}

func TestCreateChildParsesDate(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/v1/children", token(t, "staff", model.RoleStaff),
		`{"first_name":"Emma","last_name":"Berg","date_of_birth":"2022-05-17","parent_ids":["parent"]}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	want := time.Date(2022, 5, 17, 0, 0, 0, 0, time.UTC)
	if !f.children.created.DateOfBirth.Equal(want) || len(f.children.created.ParentIDs) != 1 {
		t.Fatalf("created = %+v", f.children.created)
	}

	rec = f.do(http.MethodPost, "/v1/children", token(t, "staff", model.RoleStaff), `{"first_name":"E","date_of_birth":"17.05.2022"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad date status = %d", rec.Code)
	}
}

func TestPresenceStream(t *testing.T) {
	f := newFixture(t)
	f.handler.keepAlive = time.Hour
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/children/c1/presence/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+token(t, "parent", model.RoleParent))

	// Publish once the subscription exists.
	go func() {
		for f.attendance.hub.Subscribers("c1") == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
		f.attendance.hub.Publish(model.Presence{ChildID: "c1", Status: model.StatusCheckedIn, UpdatedAt: time.Now()})
	}()

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	var sawEvent bool
	for scanner.Scan() {
		line := scanner.Text()
		if line == "event:presence" {
			sawEvent = true
			continue
		}
		if sawEvent && strings.HasPrefix(line, "data:") {
			var p model.Presence
			if err := json.Unmarshal(bytes.TrimPrefix([]byte(line), []byte("data:")), &p); err != nil {
				t.Fatalf("decode %q: %v", line, err)
			}
			if p.ChildID != "c1" || p.Status != model.StatusCheckedIn {
				t.Fatalf("unexpected presence %+v", p)
			}
			return
		}
	}
	t.Fatalf("stream ended without a presence event: %v", scanner.Err())
}

func TestPresenceStreamForeignChild(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/v1/children/c2/presence/stream", token(t, "parent", model.RoleParent), "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if f.attendance.hub.Subscribers("c2") != 0 {
		t.Fatal("no subscription should be left behind")
	}
}

func TestCloseStreamsEndsStream(t *testing.T) {
	f := newFixture(t)
	f.handler.keepAlive = time.Hour
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/children/c1/presence/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+token(t, "staff", model.RoleStaff))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	f.handler.CloseStreams()
	f.handler.CloseStreams()

	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, resp.Body)
		done <- err
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream stayed open after CloseStreams")
	}
	for i := 0; i < 100 && f.attendance.hub.Subscribers("c1") != 0; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	if n := f.attendance.hub.Subscribers("c1"); n != 0 {
		t.Fatalf("%d subscriptions left after close", n)
	}
}
