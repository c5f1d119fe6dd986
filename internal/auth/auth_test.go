package auth_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/zsprackett/prd-relay/internal/apiclient"
	"github.com/zsprackett/prd-relay/internal/auth"
)

var seeded = auth.Session{
	AccessToken:  "old",
	RefreshToken: "r1",
	SessionKey:   "k1",
	UserID:       "u1",
	ClientType:   "desktop",
}

const rotated = `{"success":true,"data":{"accessToken":"new","refreshToken":"r2","sessionKey":"k2","clientType":"desktop","expiresIn":3600,"user":{"userId":"u1","username":"alice","displayName":"Alice","role":"PM"}}}`

func newStore(t *testing.T, h http.HandlerFunc) (*auth.Store, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return auth.NewStore(apiclient.New(srv.URL, "c1"), nil), &calls
}

func TestRefreshSuccess(t *testing.T) {
	var got map[string]string
	s, calls := newStore(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/auth/refresh" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(rotated))
	})
	s.SetSession(seeded)

	if !s.Refresh(context.Background()) {
		t.Fatal("expected refresh to succeed")
	}
	if atomic.LoadInt32(calls) != 1 {
		t.Errorf("expected 1 request, got %d", atomic.LoadInt32(calls))
	}
	want := map[string]string{"refreshToken": "r1", "userId": "u1", "clientType": "desktop", "sessionKey": "k1"}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("request %s: got %q want %q", k, got[k], v)
		}
	}
	sess := s.Session()
	if sess.AccessToken != "new" || sess.RefreshToken != "r2" || sess.SessionKey != "k2" || sess.UserID != "u1" {
		t.Errorf("session not rotated: %+v", sess)
	}
}

func TestRefreshFailuresLeaveSessionUntouched(t *testing.T) {
	cases := []struct {
		name string
		h    http.HandlerFunc
	}{
		{"empty 200 body", func(w http.ResponseWriter, r *http.Request) {}},
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}},
		{"success false", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"success":false,"error":{"code":"UNAUTHORIZED","message":"expired"}}`))
		}},
		{"missing data", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"success":true}`))
		}},
		{"unparsable", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`not json`))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, _ := newStore(t, tc.h)
			s.SetSession(seeded)
			if s.Refresh(context.Background()) {
				t.Fatal("expected refresh to fail")
			}
			if s.Session() != seeded {
				t.Errorf("session changed: %+v", s.Session())
			}
		})
	}
}

func TestRefreshWithoutMaterialsMakesNoRequest(t *testing.T) {
	s, calls := newStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(rotated))
	})
	s.SetSession(auth.Session{AccessToken: "old"})
	if s.Refresh(context.Background()) {
		t.Fatal("expected refresh to fail without refresh materials")
	}
	if atomic.LoadInt32(calls) != 0 {
		t.Errorf("expected no request, got %d", atomic.LoadInt32(calls))
	}
}

func TestConcurrentRefreshAfterSendsOneRequest(t *testing.T) {
	s, calls := newStore(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
		w.Write([]byte(rotated))
	})
	s.SetSession(seeded)

	const n = 10
	results := make([]bool, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = s.RefreshAfter(context.Background(), "old")
		}()
	}
	wg.Wait()

	if atomic.LoadInt32(calls) != 1 {
		t.Errorf("expected exactly 1 refresh request, got %d", atomic.LoadInt32(calls))
	}
	for i, ok := range results {
		if !ok {
			t.Errorf("caller %d saw failure", i)
		}
	}
}

func TestRefreshAfterSkipsWhenRotated(t *testing.T) {
	s, calls := newStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(rotated))
	})
	s.SetSession(seeded)
	if !s.RefreshAfter(context.Background(), "older-than-old") {
		t.Fatal("expected true for an already rotated token")
	}
	if atomic.LoadInt32(calls) != 0 {
		t.Errorf("expected no request, got %d", atomic.LoadInt32(calls))
	}
}

func TestRefreshSurvivesCallerCancellation(t *testing.T) {
	s, _ := newStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(rotated))
	})
	s.SetSession(seeded)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if !s.Refresh(ctx) {
		t.Fatal("shared refresh should not inherit the caller's cancellation")
	}
}

func TestLogin(t *testing.T) {
	var body map[string]string
	s, _ := newStore(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/auth/login" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&body)
		w.Write([]byte(rotated))
	})
	resp, err := s.Login(context.Background(), "alice", "pw")
	if err != nil {
		t.Fatal(err)
	}
	if resp.User.Username != "alice" {
		t.Errorf("user: got %+v", resp.User)
	}
	if body["clientType"] != "desktop" || body["username"] != "alice" || body["password"] != "pw" {
		t.Errorf("login body: %v", body)
	}
	if tok, ok := s.AccessToken(); !ok || tok != "new" {
		t.Errorf("token: got %q %v", tok, ok)
	}
}

func TestLoginRejected(t *testing.T) {
	s, _ := newStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"error":{"code":"INVALID_CREDENTIALS","message":"bad password"}}`))
	})
	_, err := s.Login(context.Background(), "alice", "nope")
	var apiErr *apiclient.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "INVALID_CREDENTIALS" {
		t.Fatalf("expected api error, got %v", err)
	}
	if _, ok := s.AccessToken(); ok {
		t.Error("no token should be installed")
	}
}

type fakeHeartbeat struct{ starts, stops int }

func (f *fakeHeartbeat) Start() { f.starts++ }
func (f *fakeHeartbeat) Stop()  { f.stops++ }

type fakePersister struct {
	saved   []auth.Session
	deleted int
}

func (f *fakePersister) SaveSession(s auth.Session) error { f.saved = append(f.saved, s); return nil }
func (f *fakePersister) DeleteSession() error             { f.deleted++; return nil }

func TestSetAndClearDriveHooks(t *testing.T) {
	s := auth.NewStore(apiclient.New("http://localhost:1", ""), nil)
	hb := &fakeHeartbeat{}
	p := &fakePersister{}
	s.SetHeartbeat(hb)
	s.SetPersister(p)

	s.SetSession(auth.Session{AccessToken: " tok ", ClientType: "ADMIN"})
	if tok, _ := s.AccessToken(); tok != "tok" {
		t.Errorf("token not trimmed: %q", tok)
	}
	if s.Session().ClientType != "admin" {
		t.Errorf("client type: got %q", s.Session().ClientType)
	}
	s.SetSession(auth.Session{RefreshToken: "r"})
	s.ClearSession()

	if hb.starts != 1 || hb.stops != 2 {
		t.Errorf("heartbeat starts=%d stops=%d", hb.starts, hb.stops)
	}
	if len(p.saved) != 2 || p.deleted != 1 {
		t.Errorf("persister saved=%d deleted=%d", len(p.saved), p.deleted)
	}
	if _, ok := s.AccessToken(); ok {
		t.Error("token should be cleared")
	}
}

func TestNormalizeClientType(t *testing.T) {
	for in, want := range map[string]string{"": "desktop", "admin": "admin", " Admin ": "admin", "web": "desktop"} {
		if got := auth.NormalizeClientType(in); got != want {
			t.Errorf("%q: got %q want %q", in, got, want)
		}
	}
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("server-secret"))
	if err != nil {
		t.Fatal(err)
	}
	got, ok := auth.TokenExpiry(tok)
	if !ok || !got.Equal(exp) {
		t.Errorf("got %v %v want %v", got, ok, exp)
	}
	if _, ok := auth.TokenExpiry("opaque"); ok {
		t.Error("opaque token should have no expiry")
	}
}

func TestEnsureFreshRefreshesNearExpiry(t *testing.T) {
	s, calls := newStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(rotated))
	})
	tok, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(10 * time.Second)),
	}).SignedString([]byte("k"))
	sess := seeded
	sess.AccessToken = tok
	s.SetSession(sess)

	s.EnsureFresh(context.Background(), time.Minute)
	if atomic.LoadInt32(calls) != 1 {
		t.Errorf("expected a proactive refresh, got %d requests", atomic.LoadInt32(calls))
	}
	if got, _ := s.AccessToken(); got != "new" {
		t.Errorf("token: got %q", got)
	}
}

func TestRefreshDroppedAfterLogout(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	s, _ := newStore(t, func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		w.Write([]byte(rotated))
	})
	p := &fakePersister{}
	s.SetPersister(p)
	s.SetSession(seeded)

	result := make(chan bool)
	go func() { result <- s.Refresh(context.Background()) }()
	<-entered
	s.ClearSession()
	close(release)

	if <-result {
		t.Error("refresh should fail once the session was cleared")
	}
	if got := s.Session(); got != (auth.Session{}) {
		t.Errorf("session resurrected after logout: %+v", got)
	}
	if len(p.saved) != 1 || p.deleted != 1 {
		t.Errorf("persister saved=%d deleted=%d", len(p.saved), p.deleted)
	}
}

func TestRefreshDroppedAfterNewLogin(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	s, _ := newStore(t, func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		w.Write([]byte(rotated))
	})
	s.SetSession(seeded)

	result := make(chan bool)
	go func() { result <- s.Refresh(context.Background()) }()
	<-entered
	replaced := auth.Session{AccessToken: "other", RefreshToken: "r9", SessionKey: "k9", UserID: "u2", ClientType: "desktop"}
	s.SetSession(replaced)
	close(release)

	if <-result {
		t.Error("refresh should fail once the session was replaced")
	}
	if s.Session() != replaced {
		t.Errorf("session overwritten: %+v", s.Session())
	}
}
