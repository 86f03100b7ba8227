package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog"

	"enrollsync/internal/enrollment"
	"enrollsync/internal/model"
	"enrollsync/internal/remote"
	"enrollsync/internal/store"
)

func sign(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tok
}

func TestExtractBearer(t *testing.T) {
	cases := map[string]string{
		"Bearer abc":     "abc",
		"bearer   \"x\"": "x",
	}
	for header, want := range cases {
		got, err := ExtractBearer(header)
		if err != nil || got != want {
			t.Fatalf("ExtractBearer(%q) = %q, %v", header, got, err)
		}
	}
	for _, header := range []string{"", "Basic abc", "Bearer"} {
		if _, err := ExtractBearer(header); !errors.Is(err, ErrNoToken) {
			t.Fatalf("ExtractBearer(%q) should fail, got %v", header, err)
		}
	}
}

func TestParseClaims(t *testing.T) {
	tok := sign(t, "other", jwt.MapClaims{
		"id":        float64(12),
		"firstName": "Ana",
		"email":     "ana@example.com",
		"exp":       time.Now().Add(time.Hour).Unix(),
	})

	user, err := NewTokenParser("").Parse(tok)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if user.ID != 12 || user.FirstName != "Ana" || user.DisplayUsername() != "ana@example.com" {
		t.Fatalf("unexpected user %+v", user)
	}
}

func TestParseVerifiesWhenSecretSet(t *testing.T) {
	tok := sign(t, "other", jwt.MapClaims{"id": "3"})
	if _, err := NewTokenParser("secret").Parse(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("wrong signature should be rejected, got %v", err)
	}
	tok = sign(t, "secret", jwt.MapClaims{"id": "3"})
	if user, err := NewTokenParser("secret").Parse(tok); err != nil || user.ID != 3 {
		t.Fatalf("Parse = %+v, %v", user, err)
	}
}

func TestParseRejectsExpiredAndAnonymous(t *testing.T) {
	p := NewTokenParser("")
	expired := sign(t, "k", jwt.MapClaims{"id": 1, "exp": time.Now().Add(-time.Hour).Unix()})
	if _, err := p.Parse(expired); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
	anonymous := sign(t, "k", jwt.MapClaims{"username": "x"})
	if _, err := p.Parse(anonymous); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := p.Parse("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

type nopClient struct{}

func (nopClient) Enroll(context.Context, int64, remote.EnrollPayload) (model.EnrollmentRecord, error) {
	return model.EnrollmentRecord{}, nil
}
func (nopClient) Unenroll(context.Context, int64) error { return nil }
func (nopClient) ListForEvent(context.Context, int64) ([]model.EnrollmentRecord, error) {
	return nil, nil
}
func (nopClient) ListForCurrentUser(context.Context) ([]model.UserEnrollment, error) {
	return nil, nil
}
func (nopClient) ListEvents(context.Context, model.EventFilter) ([]model.Event, error) {
	return nil, nil
}
func (nopClient) GetEvent(context.Context, int64) (model.Event, error) { return model.Event{}, nil }

func newRegistry(t *testing.T) (*Registry, map[string]func()) {
	t.Helper()
	log := zerolog.Nop()
	hooks := map[string]func(){}
	factory := func(token string, onUnauthorized func()) remote.Client {
		hooks[token] = onUnauthorized
		return nopClient{}
	}
	return NewRegistry(NewTokenParser(""), factory, store.NewMemoryBackend(), Config{IdleTTL: time.Minute}, &log), hooks
}

func TestRegistryReusesAndReplacesWorkspaces(t *testing.T) {
	reg, _ := newRegistry(t)
	first := sign(t, "k", jwt.MapClaims{"id": 4, "iat": 1})
	second := sign(t, "k", jwt.MapClaims{"id": 4, "iat": 2})

	a, err := reg.Resolve(first)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	b, _ := reg.Resolve(first)
	if a != b {
		t.Fatalf("same token should reuse the workspace")
	}
	c, _ := reg.Resolve(second)
	if c == a || reg.Len() != 1 {
		t.Fatalf("a new token should replace the workspace")
	}
	if c.Reconciler.Store().UserID() != 4 {
		t.Fatalf("store must be scoped to the user")
	}
}

func TestUnauthorizedDropsWorkspace(t *testing.T) {
	reg, hooks := newRegistry(t)
	old := sign(t, "k", jwt.MapClaims{"id": 4, "iat": 1})
	fresh := sign(t, "k", jwt.MapClaims{"id": 4, "iat": 2})

	if _, err := reg.Resolve(old); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := reg.Resolve(fresh); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	hooks[old]()
	if reg.Len() != 1 {
		t.Fatalf("a stale token must not drop the newer workspace")
	}
	hooks[fresh]()
	if reg.Len() != 0 {
		t.Fatalf("401 should drop the workspace")
	}
}

func TestSweepDropsIdleWorkspaces(t *testing.T) {
	reg, _ := newRegistry(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return now }
	if _, err := reg.Resolve(sign(t, "k", jwt.MapClaims{"id": 1})); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	now = now.Add(30 * time.Second)
	if n := reg.Sweep(); n != 0 {
		t.Fatalf("fresh workspace swept")
	}
	now = now.Add(2 * time.Minute)
	if n := reg.Sweep(); n != 1 || reg.Len() != 0 {
		t.Fatalf("idle workspace should be swept")
	}
}

type gatedClient struct {
	nopClient
	entered chan struct{}
	gate    chan struct{}
	enrolls atomic.Int32
}

func (c *gatedClient) Enroll(ctx context.Context, eventID int64, p remote.EnrollPayload) (model.EnrollmentRecord, error) {
	c.enrolls.Add(1)
	if c.gate != nil {
		c.entered <- struct{}{}
		<-c.gate
	}
	return model.EnrollmentRecord{}, nil
}

func TestInFlightGuardSpansTokensOfOneUser(t *testing.T) {
	log := zerolog.Nop()
	first := sign(t, "k", jwt.MapClaims{"id": 4, "iat": 1})
	second := sign(t, "k", jwt.MapClaims{"id": 4, "iat": 2})
	clients := map[string]*gatedClient{
		first:  {entered: make(chan struct{}), gate: make(chan struct{})},
		second: {},
	}
	factory := func(token string, onUnauthorized func()) remote.Client { return clients[token] }
	reg := NewRegistry(NewTokenParser(""), factory, store.NewMemoryBackend(), Config{IdleTTL: time.Minute}, &log)

	a, err := reg.Resolve(first)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := a.Reconciler.Toggle(context.Background(), enrollment.NewFlagView(7, false))
		done <- err
	}()
	<-clients[first].entered

	b, err := reg.Resolve(second)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !b.Reconciler.InFlight(7) {
		t.Fatalf("new workspace should see the pending toggle")
	}
	if _, err := b.Reconciler.Toggle(context.Background(), enrollment.NewFlagView(7, false)); !errors.Is(err, enrollment.ErrToggleInFlight) {
		t.Fatalf("second toggle err = %v, want ErrToggleInFlight", err)
	}
	if n := clients[second].enrolls.Load(); n != 0 {
		t.Fatalf("second token reached the remote %d times", n)
	}

	close(clients[first].gate)
	if err := <-done; err != nil {
		t.Fatalf("first toggle: %v", err)
	}
	if _, err := b.Reconciler.Toggle(context.Background(), enrollment.NewFlagView(8, false)); err != nil {
		t.Fatalf("toggle after release: %v", err)
	}
}

func TestSweepForgetsIdleInFlightSets(t *testing.T) {
	reg, _ := newRegistry(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return now }
	if _, err := reg.Resolve(sign(t, "k", jwt.MapClaims{"id": 1})); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	now = now.Add(2 * time.Minute)
	reg.Sweep()
	if len(reg.inFlight) != 0 {
		t.Fatalf("idle user's in-flight set should be released")
	}
}
