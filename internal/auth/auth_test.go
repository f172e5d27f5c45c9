package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"ikid/internal/apperr"
	"ikid/internal/model"
)

const (
	testKey    = "test-signing-key"
	testIssuer = "ikid"
)

func TestIssueAndParse(t *testing.T) {
	pair, err := Issue("u1", model.RoleStaff, testIssuer, testKey, time.Minute, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := Parse(pair.AccessToken, testKey, testIssuer, TypeAccess)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "u1" || claims.Role != model.RoleStaff {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if !pair.RefreshExp.After(pair.AccessExp) {
		t.Fatal("refresh token should outlive access token")
	}
}

func TestParseRejects(t *testing.T) {
	pair, err := Issue("u1", model.RoleParent, testIssuer, testKey, time.Minute, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	expired, err := Issue("u1", model.RoleParent, testIssuer, testKey, -time.Minute, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name, token, key, issuer, typ string
	}{
		{"refresh used as access", pair.RefreshToken, testKey, testIssuer, TypeAccess},
		{"access used as refresh", pair.AccessToken, testKey, testIssuer, TypeRefresh},
		{"wrong key", pair.AccessToken, "other-key", testIssuer, TypeAccess},
		{"wrong issuer", pair.AccessToken, testKey, "someone-else", TypeAccess},
		{"expired", expired.AccessToken, testKey, testIssuer, TypeAccess},
		{"garbage", "not.a.jwt", testKey, testIssuer, TypeAccess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse(tt.token, tt.key, tt.issuer, tt.typ); err == nil {
				t.Fatal("expected parse to fail")
			}
		})
	}
}

type memTokens struct {
	mu     sync.Mutex
	tokens map[string]string
}

func (m *memTokens) SaveRefreshToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[tokenHash] = userID
	return nil
}

func (m *memTokens) ConsumeRefreshToken(ctx context.Context, tokenHash string, now time.Time) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.tokens[tokenHash]
	if !ok {
		return "", apperr.New(apperr.KindUnauthorized, "refresh token is not valid")
	}
	delete(m.tokens, tokenHash)
	return id, nil
}

type memUsers map[string]model.User

func (u memUsers) Get(ctx context.Context, id string) (model.User, error) {
	user, ok := u[id]
	if !ok {
		return model.User{}, apperr.New(apperr.KindNotFound, "user %s not found", id)
	}
	return user, nil
}

func TestSessionsRotateRefreshTokens(t *testing.T) {
	tokens := &memTokens{tokens: map[string]string{}}
	users := memUsers{"u1": {ID: "u1", Role: model.RoleParent}}
	s := NewSessions(tokens, users, testIssuer, testKey, time.Minute, time.Hour)
	ctx := context.Background()

	pair, err := s.Start(ctx, users["u1"])
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, ok := tokens.tokens[HashToken(pair.RefreshToken)]; !ok {
		t.Fatal("refresh token hash not stored")
	}

	users["u1"] = model.User{ID: "u1", Role: model.RoleStaff}
	next, u, err := s.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	claims, err := Parse(next.AccessToken, testKey, testIssuer, TypeAccess)
	if err != nil || claims.Role != model.RoleStaff || u.Role != model.RoleStaff {
		t.Fatalf("expected refreshed role to follow the account, got %+v, %v", claims, err)
	}

	if _, _, err := s.Refresh(ctx, pair.RefreshToken); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("reused refresh token: expected unauthorized, got %v", err)
	}
	if _, _, err := s.Refresh(ctx, next.AccessToken); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("access token as refresh: expected unauthorized, got %v", err)
	}
}

func TestSessionsRefreshForDeletedAccount(t *testing.T) {
	tokens := &memTokens{tokens: map[string]string{}}
	users := memUsers{"u1": {ID: "u1", Role: model.RoleParent}}
	s := NewSessions(tokens, users, testIssuer, testKey, time.Minute, time.Hour)

	pair, err := s.Start(context.Background(), users["u1"])
	if err != nil {
		t.Fatal(err)
	}
	delete(users, "u1")
	if _, _, err := s.Refresh(context.Background(), pair.RefreshToken); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/me", Authenticate(testKey, testIssuer), func(c *gin.Context) {
		c.String(http.StatusOK, Subject(c))
	})
	r.GET("/staff", Authenticate(testKey, testIssuer), RequireRole(model.RoleStaff, model.RoleAdmin), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	parent, err := Issue("p1", model.RoleParent, testIssuer, testKey, time.Minute, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	staff, err := Issue("s1", model.RoleStaff, testIssuer, testKey, time.Minute, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name, path, authz string
		want              int
		body              string
	}{
		{"no header", "/me", "", http.StatusUnauthorized, ""},
		{"not bearer", "/me", "Basic abc", http.StatusUnauthorized, ""},
		{"refresh token", "/me", "Bearer " + parent.RefreshToken, http.StatusUnauthorized, ""},
		{"valid", "/me", "Bearer " + parent.AccessToken, http.StatusOK, "p1"},
		{"parent on staff route", "/staff", "Bearer " + parent.AccessToken, http.StatusForbidden, ""},
		{"staff on staff route", "/staff", "bearer " + staff.AccessToken, http.StatusNoContent, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.authz != "" {
				req.Header.Set("Authorization", tt.authz)
			}
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.body != "" && rec.Body.String() != tt.body {
				t.Fatalf("body = %q, want %q", rec.Body.String(), tt.body)
			}
		})
	}
}
