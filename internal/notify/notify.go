package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/zsprackett/prd-relay/internal/events"
)

// authExpiredCooldown collapses the burst of auth-expired signals raised when
// several streams hit the same expired session.
const authExpiredCooldown = time.Minute

// Config holds notification settings.
type Config struct {
	Enabled bool   `json:"enabled"`
	Webhook string `json:"webhook"`
	NtfyURL string `json:"ntfy"`
}

// Notifier raises a desktop notification, plus optional webhook and ntfy
// POSTs, when the session expires. It is an events.Sink that ignores stream
// events.
type Notifier struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client

	mu       sync.Mutex
	lastSent time.Time
	wg       sync.WaitGroup
}

func New(cfg Config, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Notifier{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{Timeout: 5 * time.Second},
	}
}

func (n *Notifier) Publish(events.Envelope) {}

// AuthExpired notifies in the background so the publishing stream never waits.
func (n *Notifier) AuthExpired() {
	if !n.cfg.Enabled {
		return
	}
	n.mu.Lock()
	if !n.lastSent.IsZero() && time.Since(n.lastSent) < authExpiredCooldown {
		n.mu.Unlock()
		return
	}
	n.lastSent = time.Now()
	n.mu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.Notify("Session expired", "Sign in again to keep streaming. Local history is kept.")
	}()
}

// Wait blocks until background notifications have been sent.
func (n *Notifier) Wait() { n.wg.Wait() }

// Notify sends title and msg to every configured channel.
func (n *Notifier) Notify(title, msg string) {
	if !n.cfg.Enabled {
		return
	}
	n.sendSystemNotification(title, msg)
	if n.cfg.Webhook != "" {
		n.sendWebhook(title, msg)
	}
	if n.cfg.NtfyURL != "" {
		n.sendNtfy(title, msg)
	}
}

func (n *Notifier) sendSystemNotification(title, msg string) {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("osascript", "-e", fmt.Sprintf(`display notification %q with title %q`, msg, "prd-relay: "+title))
	case "linux":
		cmd = exec.Command("notify-send", "prd-relay: "+title, msg)
	default:
		return
	}
	if err := cmd.Run(); err != nil {
		n.logger.Debug("system notification failed", "err", err)
	}
}

type webhookPayload struct {
	Event     string `json:"event"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

func (n *Notifier) sendWebhook(title, msg string) {
	payload := webhookPayload{
		Event:     events.AuthExpiredChannel,
		Title:     title,
		Message:   msg,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	n.post("webhook", n.cfg.Webhook, payload)
}

type ntfyPayload struct {
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Priority int      `json:"priority"`
	Tags     []string `json:"tags"`
}

func (n *Notifier) sendNtfy(title, msg string) {
	payload := ntfyPayload{
		Title:    title,
		Message:  msg,
		Priority: 4,
		Tags:     []string{"key"},
	}
	n.post("ntfy", n.cfg.NtfyURL, payload)
}

func (n *Notifier) post(channel, url string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	resp, err := n.client.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		n.logger.Warn(channel+" notification failed", "err", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.logger.Warn(channel+" notification rejected", "status", resp.Status)
	}
}
