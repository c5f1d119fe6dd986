package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/zsprackett/prd-relay/internal/events"
)

var (
	ErrEmptyTarget = errors.New("target id is required")
	ErrUnknownKind = errors.New("unknown stream kind")
)

// Request describes one stream to open. Build it with one of the
// constructors; Body is already encoded so a bad body fails before any
// stream starts.
type Request struct {
	Kind   events.Kind
	Method string
	Path   string
	Target string
	Body   json.RawMessage
}

// MessageOptions are the optional fields of a chat message.
type MessageOptions struct {
	Role          string   `json:"role,omitempty"`
	PromptKey     string   `json:"promptKey,omitempty"`
	AttachmentIDs []string `json:"attachmentIds,omitempty"`
}

type messageBody struct {
	Content string `json:"content"`
	MessageOptions
}

type previewAskBody struct {
	Question     string `json:"question"`
	HeadingID    string `json:"headingId"`
	HeadingTitle string `json:"headingTitle,omitempty"`
}

type guideBody struct {
	Role string `json:"role"`
}

// NewRequest builds a request of any kind. The named constructors below
// cover the streams the desktop client opens.
func NewRequest(kind events.Kind, method, path, target string, body any) (Request, error) {
	req := Request{Kind: kind, Method: method, Path: path, Target: target}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return Request{}, fmt.Errorf("encode %s body: %w", kind, err)
		}
		req.Body = raw
	}
	if err := req.Validate(); err != nil {
		return Request{}, err
	}
	return req, nil
}

// Validate checks the parts of a request that can fail before sending.
func (r Request) Validate() error {
	if !validKind(r.Kind) {
		return fmt.Errorf("%w: %q", ErrUnknownKind, r.Kind)
	}
	if r.Path == "" || r.Target == "" {
		return ErrEmptyTarget
	}
	if r.Method == "" {
		return fmt.Errorf("%s stream: missing method", r.Kind)
	}
	return nil
}

// payload is the request body, or nil for a bodiless GET.
func (r Request) payload() any {
	if len(r.Body) == 0 {
		return nil
	}
	return r.Body
}

// validKind accepts lowercase identifiers so new kinds need no registration.
func validKind(k events.Kind) bool {
	if k == "" {
		return false
	}
	for _, c := range k {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '-' && c != '_' {
			return false
		}
	}
	return true
}

func targetID(name, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%s: %w", name, ErrEmptyTarget)
	}
	return id, nil
}

// SendMessage streams the assistant's reply to a new chat message.
func SendMessage(sessionID, content string, opts MessageOptions) (Request, error) {
	sid, err := targetID("session id", sessionID)
	if err != nil {
		return Request{}, err
	}
	return NewRequest(events.KindMessage, http.MethodPost,
		"/sessions/"+url.PathEscape(sid)+"/messages", sid,
		messageBody{Content: content, MessageOptions: opts})
}

// ResendMessage regenerates the reply to an existing message.
func ResendMessage(sessionID, messageID, content string, opts MessageOptions) (Request, error) {
	sid, err := targetID("session id", sessionID)
	if err != nil {
		return Request{}, err
	}
	mid, err := targetID("message id", messageID)
	if err != nil {
		return Request{}, err
	}
	return NewRequest(events.KindMessage, http.MethodPost,
		"/sessions/"+url.PathEscape(sid)+"/messages/"+url.PathEscape(mid)+"/resend", mid,
		messageBody{Content: content, MessageOptions: opts})
}

// PreviewAsk asks a question scoped to one section of the document preview.
func PreviewAsk(sessionID, headingID, headingTitle, question string) (Request, error) {
	sid, err := targetID("session id", sessionID)
	if err != nil {
		return Request{}, err
	}
	return NewRequest(events.KindPreview, http.MethodPost,
		"/sessions/"+url.PathEscape(sid)+"/preview-ask", sid,
		previewAskBody{Question: question, HeadingID: strings.TrimSpace(headingID), HeadingTitle: headingTitle})
}

// StartGuide starts the guided walkthrough for a role.
func StartGuide(sessionID, role string) (Request, error) {
	sid, err := targetID("session id", sessionID)
	if err != nil {
		return Request{}, err
	}
	return NewRequest(events.KindGuide, http.MethodPost,
		"/sessions/"+url.PathEscape(sid)+"/guide/start", sid, guideBody{Role: role})
}

// SubscribeGroup follows a group's message feed from afterSeq on.
func SubscribeGroup(groupID string, afterSeq int64) (Request, error) {
	gid, err := targetID("group id", groupID)
	if err != nil {
		return Request{}, err
	}
	return NewRequest(events.KindGroup, http.MethodGet,
		fmt.Sprintf("/groups/%s/messages/stream?afterSeq=%d", url.PathEscape(gid), max(afterSeq, 0)), gid, nil)
}

// SubscribeChatRun reattaches to a server-side chat run. It shares the
// message slot, so it supersedes any message stream.
func SubscribeChatRun(runID string, afterSeq int64) (Request, error) {
	rid, err := targetID("run id", runID)
	if err != nil {
		return Request{}, err
	}
	return NewRequest(events.KindMessage, http.MethodGet,
		fmt.Sprintf("/chat-runs/%s/stream?afterSeq=%d", url.PathEscape(rid), max(afterSeq, 0)), rid, nil)
}
