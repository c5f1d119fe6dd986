// Package presence tells the backend the desktop client is online while a
// user is logged in.
package presence

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsprackett/prd-relay/internal/apiclient"
)

const DefaultInterval = 30 * time.Second

const heartbeatPath = "/desktop/presence/heartbeat"

// TokenSource supplies the current bearer token.
type TokenSource interface {
	AccessToken() (string, bool)
}

type Heartbeat struct {
	api      *apiclient.Client
	tokens   TokenSource
	interval time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}

	beats atomic.Int64
}

func New(api *apiclient.Client, tokens TokenSource, interval time.Duration, logger *slog.Logger) *Heartbeat {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Heartbeat{
		api:      api,
		tokens:   tokens,
		interval: interval,
		logger:   logger,
	}
}

// Start begins beating, first immediately and then every interval. Calling
// Start while running does nothing.
func (h *Heartbeat) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stop != nil {
		return
	}
	h.stop = make(chan struct{})
	h.done = make(chan struct{})
	go h.loop(h.stop, h.done)
	h.logger.Debug("presence heartbeat started", "interval", h.interval)
}

// Stop ends the loop and waits for it, aborting any beat in flight.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	stop, done := h.stop, h.done
	h.stop, h.done = nil, nil
	h.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
	h.logger.Debug("presence heartbeat stopped")
}

// Beats reports how many heartbeats the backend accepted.
func (h *Heartbeat) Beats() int64 { return h.beats.Load() }

func (h *Heartbeat) loop(stop, done chan struct{}) {
	defer close(done)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	h.beat(ctx)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.beat(ctx)
		case <-stop:
			return
		}
	}
}

func (h *Heartbeat) beat(ctx context.Context) {
	token, ok := h.tokens.AccessToken()
	if !ok {
		return
	}
	req, err := h.api.NewRequest(ctx, http.MethodPost, heartbeatPath, struct{}{}, token)
	if err != nil {
		h.logger.Debug("heartbeat request build failed", "err", err)
		return
	}
	resp, err := h.api.Do(req)
	if err != nil {
		h.logger.Debug("heartbeat failed", "err", err)
		return
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		h.logger.Debug("heartbeat rejected", "status", resp.Status)
		return
	}
	h.beats.Add(1)
}
