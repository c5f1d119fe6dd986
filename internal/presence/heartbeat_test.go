package presence_test

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zsprackett/prd-relay/internal/apiclient"
	"github.com/zsprackett/prd-relay/internal/presence"
)

type staticToken struct {
	mu  sync.Mutex
	tok string
}

func (s *staticToken) AccessToken() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tok, s.tok != ""
}

func (s *staticToken) set(tok string) {
	s.mu.Lock()
	s.tok = tok
	s.mu.Unlock()
}

func newServer(t *testing.T) (*httptest.Server, *int32, *atomic.Value) {
	t.Helper()
	var hits int32
	var auth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/desktop/presence/heartbeat" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		auth.Store(r.Header.Get("Authorization") + "|" + r.Header.Get("X-Client"))
		atomic.AddInt32(&hits, 1)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits, &auth
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFirstBeatIsImmediate(t *testing.T) {
	srv, hits, auth := newServer(t)
	hb := presence.New(apiclient.New(srv.URL, ""), &staticToken{tok: "t1"}, time.Hour, nil)
	hb.Start()
	defer hb.Stop()

	waitFor(t, func() bool { return atomic.LoadInt32(hits) == 1 })
	if got := auth.Load().(string); got != "Bearer t1|desktop" {
		t.Errorf("headers: got %q", got)
	}
	waitFor(t, func() bool { return hb.Beats() == 1 })
}

func TestBeatsRepeatUntilStopped(t *testing.T) {
	srv, hits, _ := newServer(t)
	hb := presence.New(apiclient.New(srv.URL, ""), &staticToken{tok: "t1"}, 10*time.Millisecond, nil)
	hb.Start()
	waitFor(t, func() bool { return atomic.LoadInt32(hits) >= 3 })
	hb.Stop()

	n := atomic.LoadInt32(hits)
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(hits) != n {
		t.Errorf("beats continued after Stop: %d -> %d", n, atomic.LoadInt32(hits))
	}
}

func TestStartIsIdempotent(t *testing.T) {
	srv, hits, _ := newServer(t)
	hb := presence.New(apiclient.New(srv.URL, ""), &staticToken{tok: "t1"}, time.Hour, nil)
	hb.Start()
	hb.Start()
	hb.Start()
	waitFor(t, func() bool { return atomic.LoadInt32(hits) >= 1 })
	time.Sleep(30 * time.Millisecond)
	hb.Stop()
	hb.Stop()

	if got := atomic.LoadInt32(hits); got != 1 {
		t.Errorf("expected one loop, got %d immediate beats", got)
	}
}

func TestNoBeatWithoutToken(t *testing.T) {
	srv, hits, _ := newServer(t)
	tokens := &staticToken{}
	hb := presence.New(apiclient.New(srv.URL, ""), tokens, 10*time.Millisecond, nil)
	hb.Start()
	defer hb.Stop()

	time.Sleep(40 * time.Millisecond)
	if atomic.LoadInt32(hits) != 0 {
		t.Fatal("no beat expected without a token")
	}
	tokens.set("late")
	waitFor(t, func() bool { return atomic.LoadInt32(hits) >= 1 })
}

func TestRestartAfterStop(t *testing.T) {
	srv, hits, _ := newServer(t)
	hb := presence.New(apiclient.New(srv.URL, ""), &staticToken{tok: "t1"}, time.Hour, nil)
	hb.Start()
	waitFor(t, func() bool { return atomic.LoadInt32(hits) == 1 })
	hb.Stop()
	hb.Start()
	defer hb.Stop()
	waitFor(t, func() bool { return atomic.LoadInt32(hits) == 2 })
}

func TestFailuresAreIgnored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	hb := presence.New(apiclient.New(srv.URL, ""), &staticToken{tok: "t"}, 5*time.Millisecond, nil)
	hb.Start()
	time.Sleep(30 * time.Millisecond)
	hb.Stop()
	if hb.Beats() != 0 {
		t.Errorf("rejected beats should not count, got %d", hb.Beats())
	}
}
