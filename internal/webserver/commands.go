package webserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/elnormous/contenttype"

	"github.com/zsprackett/prd-relay/internal/auth"
	"github.com/zsprackett/prd-relay/internal/relay"
)

const (
	maxCommandBody = 1 << 20
	historyPage    = 50
)

var errUnsupportedMedia = errors.New("content-type must be application/json")

// decodeBody reads a JSON command body. The status to answer with on
// failure is returned alongside the error.
func decodeBody(r *http.Request, v any) (int, error) {
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonType) {
		return http.StatusUnsupportedMediaType, errUnsupportedMedia
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxCommandBody))
	if err := dec.Decode(v); err != nil {
		return http.StatusBadRequest, fmt.Errorf("invalid body: %w", err)
	}
	return 0, nil
}

// startStream decodes the command, builds the request and starts it.
func startStream[T any](s *Server, w http.ResponseWriter, r *http.Request, build func(T) (relay.Request, error)) {
	var body T
	if status, err := decodeBody(r, &body); err != nil {
		writeError(w, status, err)
		return
	}
	req, err := build(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.deps.Relay.Start(r.Context(), req, s.sink())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"streamId": id, "kind": string(req.Kind)})
}

type sendMessageCmd struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
	relay.MessageOptions
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	startStream(s, w, r, func(c sendMessageCmd) (relay.Request, error) {
		return relay.SendMessage(c.SessionID, c.Content, c.MessageOptions)
	})
}

func (s *Server) handleResendMessage(w http.ResponseWriter, r *http.Request) {
	startStream(s, w, r, func(c sendMessageCmd) (relay.Request, error) {
		return relay.ResendMessage(c.SessionID, c.MessageID, c.Content, c.MessageOptions)
	})
}

type previewAskCmd struct {
	SessionID    string `json:"sessionId"`
	HeadingID    string `json:"headingId"`
	HeadingTitle string `json:"headingTitle"`
	Question     string `json:"question"`
}

func (s *Server) handlePreviewAsk(w http.ResponseWriter, r *http.Request) {
	startStream(s, w, r, func(c previewAskCmd) (relay.Request, error) {
		return relay.PreviewAsk(c.SessionID, c.HeadingID, c.HeadingTitle, c.Question)
	})
}

type guideCmd struct {
	SessionID string `json:"sessionId"`
	Role      string `json:"role"`
}

func (s *Server) handleStartGuide(w http.ResponseWriter, r *http.Request) {
	startStream(s, w, r, func(c guideCmd) (relay.Request, error) {
		return relay.StartGuide(c.SessionID, c.Role)
	})
}

type subscribeCmd struct {
	GroupID  string `json:"groupId"`
	RunID    string `json:"runId"`
	AfterSeq int64  `json:"afterSeq"`
}

func (s *Server) handleSubscribeGroup(w http.ResponseWriter, r *http.Request) {
	startStream(s, w, r, func(c subscribeCmd) (relay.Request, error) {
		return relay.SubscribeGroup(c.GroupID, c.AfterSeq)
	})
}

func (s *Server) handleSubscribeChatRun(w http.ResponseWriter, r *http.Request) {
	startStream(s, w, r, func(c subscribeCmd) (relay.Request, error) {
		return relay.SubscribeChatRun(c.RunID, c.AfterSeq)
	})
}

type cancelCmd struct {
	Kind string `json:"kind"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var c cancelCmd
	if status, err := decodeBody(r, &c); err != nil {
		writeError(w, status, err)
		return
	}
	if strings.TrimSpace(c.Kind) == "" {
		writeError(w, http.StatusBadRequest, errors.New(`kind is required; use "all" to cancel every stream`))
		return
	}
	s.deps.Relay.Cancel(c.Kind)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"active": s.deps.Relay.Active()}
	if s.deps.Runs != nil {
		runs, err := s.deps.Runs.RecentRuns(historyPage)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		resp["runs"] = runs
	}
	writeJSON(w, http.StatusOK, resp)
}

// sessionView is what the UI may see of the session. Refresh materials stay
// in the bridge.
type sessionView struct {
	LoggedIn   bool   `json:"loggedIn"`
	UserID     string `json:"userId,omitempty"`
	ClientType string `json:"clientType,omitempty"`
	CanRefresh bool   `json:"canRefresh"`
}

func viewOf(sess auth.Session) sessionView {
	return sessionView{
		LoggedIn:   sess.AccessToken != "",
		UserID:     sess.UserID,
		ClientType: sess.ClientType,
		CanRefresh: sess.RefreshToken != "" && sess.SessionKey != "" && sess.UserID != "",
	}
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, viewOf(s.deps.Auth.Session()))
}

func (s *Server) handleSetSession(w http.ResponseWriter, r *http.Request) {
	var sess auth.Session
	if status, err := decodeBody(r, &sess); err != nil {
		writeError(w, status, err)
		return
	}
	s.deps.Auth.SetSession(sess)
	writeJSON(w, http.StatusOK, viewOf(s.deps.Auth.Session()))
}

func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	s.deps.Relay.CancelAll()
	s.deps.Auth.ClearSession()
	w.WriteHeader(http.StatusNoContent)
}

type loginCmd struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var c loginCmd
	if status, err := decodeBody(r, &c); err != nil {
		writeError(w, status, err)
		return
	}
	if strings.TrimSpace(c.Username) == "" || c.Password == "" {
		writeError(w, http.StatusBadRequest, errors.New("username and password are required"))
		return
	}
	resp, err := s.deps.Auth.Login(r.Context(), c.Username, c.Password)
	if err != nil {
		s.logger.Warn("login failed", "user", c.Username, "err", err)
		writeError(w, http.StatusUnauthorized, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user": resp.User, "session": viewOf(s.deps.Auth.Session())})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Auth.Refresh(r.Context()) {
		s.AuthExpired()
		writeError(w, http.StatusUnauthorized, errors.New("session expired"))
		return
	}
	writeJSON(w, http.StatusOK, viewOf(s.deps.Auth.Session()))
}

type baseURLCmd struct {
	BaseURL string `json:"baseUrl"`
}

func (s *Server) handleGetBaseURL(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, baseURLCmd{BaseURL: s.deps.API.BaseURL()})
}

func (s *Server) handleSetBaseURL(w http.ResponseWriter, r *http.Request) {
	var c baseURLCmd
	if status, err := decodeBody(r, &c); err != nil {
		writeError(w, status, err)
		return
	}
	s.deps.API.SetBaseURL(c.BaseURL)
	if s.deps.SaveBaseURL != nil {
		if err := s.deps.SaveBaseURL(s.deps.API.BaseURL()); err != nil {
			s.logger.Warn("failed to save base url", "err", err)
		}
	}
	writeJSON(w, http.StatusOK, baseURLCmd{BaseURL: s.deps.API.BaseURL()})
}

// handleCheckHealth checks ?url= or, without it, the configured backend.
func (s *Server) handleCheckHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.API.CheckHealth(r.Context(), r.URL.Query().Get("url")))
}
