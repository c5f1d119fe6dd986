// Package auth holds the process-wide credential set shared by every stream
// and performs single-flight token refresh against the backend.
package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zsprackett/prd-relay/internal/apiclient"
)

const refreshTimeout = 60 * time.Second

const (
	ClientDesktop = "desktop"
	ClientAdmin   = "admin"
)

var (
	ErrNoCredentials = errors.New("no stored credentials")
	// ErrSessionChanged is returned when the session was replaced or cleared
	// while a refresh was in flight. The refreshed credentials are dropped.
	ErrSessionChanged = errors.New("session changed during refresh")
)

// Session is the credential set. Every field is optional; a refresh needs
// RefreshToken, SessionKey and UserID.
type Session struct {
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	SessionKey   string `json:"sessionKey,omitempty"`
	UserID       string `json:"userId,omitempty"`
	ClientType   string `json:"clientType,omitempty"`
}

func (s Session) canRefresh() bool {
	return s.RefreshToken != "" && s.SessionKey != "" && s.UserID != ""
}

func (s Session) normalized() Session {
	s.AccessToken = strings.TrimSpace(s.AccessToken)
	s.RefreshToken = strings.TrimSpace(s.RefreshToken)
	s.SessionKey = strings.TrimSpace(s.SessionKey)
	s.UserID = strings.TrimSpace(s.UserID)
	s.ClientType = NormalizeClientType(s.ClientType)
	return s
}

// NormalizeClientType maps anything but "admin" to "desktop".
func NormalizeClientType(s string) string {
	if strings.EqualFold(strings.TrimSpace(s), ClientAdmin) {
		return ClientAdmin
	}
	return ClientDesktop
}

type User struct {
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

// LoginResponse is the data payload of both login and refresh.
type LoginResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	SessionKey   string `json:"sessionKey"`
	ClientType   string `json:"clientType"`
	ExpiresIn    int    `json:"expiresIn"`
	User         User   `json:"user"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
	UserID       string `json:"userId"`
	ClientType   string `json:"clientType"`
	SessionKey   string `json:"sessionKey"`
}

type loginRequest struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	ClientType string `json:"clientType"`
}

// Persister stores the session across restarts.
type Persister interface {
	SaveSession(Session) error
	DeleteSession() error
}

// Heartbeat runs while a token is present.
type Heartbeat interface {
	Start()
	Stop()
}

type Store struct {
	api *apiclient.Client
	log *slog.Logger

	mu      sync.RWMutex
	session Session
	gen     uint64 // bumped on every SetSession and ClearSession
	persist Persister
	hb      Heartbeat

	group singleflight.Group
}

func NewStore(api *apiclient.Client, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{api: api, log: logger}
}

func (s *Store) SetPersister(p Persister) {
	s.mu.Lock()
	s.persist = p
	s.mu.Unlock()
}

func (s *Store) SetHeartbeat(hb Heartbeat) {
	s.mu.Lock()
	s.hb = hb
	s.mu.Unlock()
}

// Session returns a copy of the current credentials.
func (s *Store) Session() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session
}

// AccessToken returns the current bearer token, if any.
func (s *Store) AccessToken() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.AccessToken, s.session.AccessToken != ""
}

// SetSession replaces the credentials wholesale.
func (s *Store) SetSession(sess Session) {
	sess = sess.normalized()
	s.mu.Lock()
	s.session = sess
	s.gen++
	persist, hb := s.persist, s.hb
	s.mu.Unlock()
	s.installed(sess, persist, hb)
}

// swapIf installs sess only if the session is still at generation gen.
func (s *Store) swapIf(gen uint64, sess Session) bool {
	sess = sess.normalized()
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return false
	}
	s.session = sess
	s.gen++
	persist, hb := s.persist, s.hb
	s.mu.Unlock()
	s.installed(sess, persist, hb)
	return true
}

func (s *Store) installed(sess Session, persist Persister, hb Heartbeat) {
	if persist != nil {
		if err := persist.SaveSession(sess); err != nil {
			s.log.Warn("failed to persist session", "err", err)
		}
	}
	if hb != nil {
		if sess.AccessToken != "" {
			hb.Start()
		} else {
			hb.Stop()
		}
	}
}

// ClearSession wipes the credentials, as on logout.
func (s *Store) ClearSession() {
	s.mu.Lock()
	s.session = Session{}
	s.gen++
	persist, hb := s.persist, s.hb
	s.mu.Unlock()

	if persist != nil {
		if err := persist.DeleteSession(); err != nil {
			s.log.Warn("failed to delete persisted session", "err", err)
		}
	}
	if hb != nil {
		hb.Stop()
	}
}

// Refresh exchanges the stored refresh materials for a rotated credential
// set. Concurrent callers share one request and its result. On any failure
// the session is left untouched and false is returned.
func (s *Store) Refresh(ctx context.Context) bool {
	return s.doRefresh(ctx, "", false)
}

// RefreshAfter is Refresh for a caller whose request was rejected with the
// token rejected. If the token has already rotated since, it returns true
// without contacting the backend.
func (s *Store) RefreshAfter(ctx context.Context, rejected string) bool {
	return s.doRefresh(ctx, rejected, true)
}

func (s *Store) doRefresh(ctx context.Context, rejected string, skipIfRotated bool) bool {
	v, _, _ := s.group.Do("refresh", func() (any, error) {
		if skipIfRotated {
			if cur, ok := s.AccessToken(); ok && cur != rejected {
				return true, nil
			}
		}
		// The shared request outlives any single caller's cancellation.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		if err := s.refresh(rctx); err != nil {
			s.log.Warn("token refresh failed", "err", err)
			return false, nil
		}
		s.log.Info("token refreshed")
		return true, nil
	})
	ok, _ := v.(bool)
	return ok
}

func (s *Store) refresh(ctx context.Context) error {
	s.mu.RLock()
	sess, gen := s.session, s.gen
	s.mu.RUnlock()
	if !sess.canRefresh() {
		return ErrNoCredentials
	}

	req, err := s.api.NewRequest(ctx, http.MethodPost, "/auth/refresh", refreshRequest{
		RefreshToken: sess.RefreshToken,
		UserID:       sess.UserID,
		ClientType:   sess.ClientType,
		SessionKey:   sess.SessionKey,
	}, "")
	if err != nil {
		return err
	}
	resp, err := s.api.Do(req)
	if err != nil {
		return fmt.Errorf("refresh request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		return fmt.Errorf("refresh returned %s", resp.Status)
	}
	env, err := apiclient.DecodeEnvelope[LoginResponse](resp)
	if err != nil {
		return err
	}
	if !env.Success || env.Data == nil {
		if env.Error != nil {
			return fmt.Errorf("refresh rejected: %w", env.Error)
		}
		return errors.New("refresh rejected")
	}
	d := env.Data
	if d.AccessToken == "" {
		return errors.New("refresh response missing access token")
	}

	next := Session{
		AccessToken:  d.AccessToken,
		RefreshToken: d.RefreshToken,
		SessionKey:   d.SessionKey,
		UserID:       d.User.UserID,
		ClientType:   d.ClientType,
	}
	if next.UserID == "" {
		next.UserID = sess.UserID
	}
	if next.ClientType == "" {
		next.ClientType = sess.ClientType
	}
	if !s.swapIf(gen, next) {
		return ErrSessionChanged
	}
	return nil
}

// Login authenticates with a username and password and installs the
// resulting session.
func (s *Store) Login(ctx context.Context, username, password string) (*LoginResponse, error) {
	req, err := s.api.NewRequest(ctx, http.MethodPost, "/auth/login", loginRequest{
		Username:   username,
		Password:   password,
		ClientType: ClientDesktop,
	}, "")
	if err != nil {
		return nil, err
	}
	resp, err := s.api.Do(req)
	if err != nil {
		return nil, fmt.Errorf("login request: %w", err)
	}
	env, err := apiclient.DecodeEnvelope[LoginResponse](resp)
	if err != nil {
		return nil, err
	}
	if !env.Success || env.Data == nil {
		if env.Error != nil {
			return nil, fmt.Errorf("login rejected: %w", env.Error)
		}
		return nil, fmt.Errorf("login rejected: %s", resp.Status)
	}
	d := env.Data
	s.SetSession(Session{
		AccessToken:  d.AccessToken,
		RefreshToken: d.RefreshToken,
		SessionKey:   d.SessionKey,
		UserID:       d.User.UserID,
		ClientType:   d.ClientType,
	})
	s.log.Info("logged in", "user", d.User.Username, "clientType", NormalizeClientType(d.ClientType))
	return d, nil
}
