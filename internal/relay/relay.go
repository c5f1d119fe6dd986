// Package relay opens streaming requests against the backend and republishes
// their SSE frames to the UI as events. A run never fails out of band: every
// outcome, including cancellation and auth expiry, ends in a terminal event.
package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zsprackett/prd-relay/internal/apiclient"
	"github.com/zsprackett/prd-relay/internal/auth"
	"github.com/zsprackett/prd-relay/internal/cancel"
	"github.com/zsprackett/prd-relay/internal/db"
	"github.com/zsprackett/prd-relay/internal/events"
	"github.com/zsprackett/prd-relay/internal/sse"
)

const (
	OutcomeDone        = "done"
	OutcomeError       = "error"
	OutcomeCancelled   = "cancelled"
	OutcomeAuthExpired = "auth-expired"
)

// CancelAllKinds is the kind name that cancels every stream.
const CancelAllKinds = "all"

const (
	readBufferSize = 32 << 10
	// errorBodyLimit bounds how much of a failed response is read before
	// truncating it for the UI.
	errorBodyLimit = 64 << 10
	// expiryMargin triggers a proactive refresh of a JWT access token.
	expiryMargin = 30 * time.Second
)

var eventStreamMediaType = contenttype.NewMediaType("text/event-stream")

// Recorder stores a summary of each finished run.
type Recorder interface {
	RecordRun(db.StreamRun) error
}

type Options struct {
	Recorder       Recorder
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
}

type Relay struct {
	api     *apiclient.Client
	auth    *auth.Store
	cancels *cancel.Registry
	rec     Recorder
	log     *slog.Logger
	tracer  trace.Tracer

	wg     sync.WaitGroup
	mu     sync.Mutex
	active map[string]ActiveStream
}

// ActiveStream describes a run that has not finished yet.
type ActiveStream struct {
	ID        string      `json:"id"`
	Kind      events.Kind `json:"kind"`
	Target    string      `json:"target"`
	StartedAt time.Time   `json:"startedAt"`
}

func New(api *apiclient.Client, store *auth.Store, cancels *cancel.Registry, opts Options) *Relay {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	tp := opts.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Relay{
		api:     api,
		auth:    store,
		cancels: cancels,
		rec:     opts.Recorder,
		log:     logger,
		tracer:  tp.Tracer("github.com/zsprackett/prd-relay/internal/relay"),
		active:  make(map[string]ActiveStream),
	}
}

// Start validates req, claims the kind's cancellation slot and runs the
// stream in the background. It returns the stream id at once; the only
// errors are request construction failures.
func (r *Relay) Start(ctx context.Context, req Request, sink events.Sink) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	if _, err := r.api.NewStreamRequest(ctx, req.Method, req.Path, req.payload(), ""); err != nil {
		return "", err
	}
	id := uuid.NewString()
	h := r.cancels.New(req.Kind)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(context.WithoutCancel(ctx), id, req, h, sink)
	}()
	return id, nil
}

// Run streams req to completion on the calling goroutine and returns the
// run summary. Invalid requests end in an Error event like any other failure.
func (r *Relay) Run(ctx context.Context, req Request, sink events.Sink) db.StreamRun {
	return r.run(ctx, uuid.NewString(), req, r.cancels.New(req.Kind), sink)
}

// Cancel stops the current stream of kind, or every stream for "all". An
// empty kind cancels nothing.
func (r *Relay) Cancel(kind string) {
	switch k := events.NormalizeKind(kind); k {
	case "":
	case CancelAllKinds:
		r.cancels.CancelAll()
	default:
		r.cancels.Cancel(k)
	}
}

// CancelAll stops every stream. Used on shutdown.
func (r *Relay) CancelAll() { r.cancels.CancelAll() }

// Wait blocks until every stream started with Start has finished.
func (r *Relay) Wait() { r.wg.Wait() }

// Active lists the running streams, oldest first.
func (r *Relay) Active() []ActiveStream {
	r.mu.Lock()
	out := make([]ActiveStream, 0, len(r.active))
	for _, a := range r.active {
		out = append(out, a)
	}
	r.mu.Unlock()
	slices.SortFunc(out, func(a, b ActiveStream) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}

func (r *Relay) track(a ActiveStream) func() {
	r.mu.Lock()
	r.active[a.ID] = a
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.active, a.ID)
		r.mu.Unlock()
	}
}

// stream is the state of one run.
type stream struct {
	id   string
	req  Request
	h    *cancel.Handle
	sink events.Sink

	lastDone bool
	summary  db.StreamRun
}

func (s *stream) publish(ev events.Event) {
	s.summary.Events++
	s.lastDone = ev.Type == events.TypeDone
	s.sink.Publish(events.Envelope{Kind: s.req.Kind, StreamID: s.id, Event: ev})
}

func (s *stream) finish(outcome string) {
	s.summary.Outcome = outcome
}

func (s *stream) fail(msg string) {
	s.publish(events.Error(msg))
	s.summary.Outcome = OutcomeError
	s.summary.Error = msg
}

func (s *stream) cancelled() {
	s.publish(events.Done())
	s.finish(OutcomeCancelled)
}

func (r *Relay) run(ctx context.Context, id string, req Request, h *cancel.Handle, sink events.Sink) db.StreamRun {
	ctx, span := r.tracer.Start(ctx, "relay.stream", trace.WithAttributes(
		attribute.String("stream.id", id),
		attribute.String("stream.kind", string(req.Kind)),
		attribute.String("stream.target", req.Target),
	))
	defer span.End()

	// The handle's cancellation aborts any blocking send or read.
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	unhook := context.AfterFunc(h.Context(), stop)
	defer unhook()

	st := &stream{
		id:   id,
		req:  req,
		h:    h,
		sink: sink,
		summary: db.StreamRun{
			ID:        id,
			Kind:      string(req.Kind),
			Target:    req.Target,
			Path:      req.Path,
			StartedAt: time.Now(),
		},
	}
	untrack := r.track(ActiveStream{ID: id, Kind: req.Kind, Target: req.Target, StartedAt: st.summary.StartedAt})
	r.log.Info("stream starting", "id", id, "kind", req.Kind, "target", req.Target)

	r.execute(ctx, st)
	untrack()

	st.summary.EndedAt = time.Now()
	sum := st.summary
	span.SetAttributes(
		attribute.String("stream.outcome", sum.Outcome),
		attribute.Int("stream.events", sum.Events),
		attribute.Int64("stream.bytes", sum.Bytes),
	)
	if sum.Outcome == OutcomeError || sum.Outcome == OutcomeAuthExpired {
		span.SetStatus(codes.Error, sum.Error)
	} else {
		span.SetStatus(codes.Ok, sum.Outcome)
	}
	r.log.Info("stream finished",
		"id", id,
		"kind", req.Kind,
		"outcome", sum.Outcome,
		"events", sum.Events,
		"received", humanize.Bytes(uint64(sum.Bytes)),
		"elapsed", sum.EndedAt.Sub(sum.StartedAt).Round(time.Millisecond),
	)
	if r.rec != nil {
		if err := r.rec.RecordRun(sum); err != nil {
			r.log.Warn("failed to record stream run", "id", id, "err", err)
		}
	}
	return sum
}

func (r *Relay) stopped(ctx context.Context, st *stream) bool {
	return st.h.Cancelled() || ctx.Err() != nil
}

func (r *Relay) execute(ctx context.Context, st *stream) {
	st.publish(events.Phase(events.PhaseRequesting))
	if err := st.req.Validate(); err != nil {
		st.fail("Request failed: " + err.Error())
		return
	}

	r.auth.EnsureFresh(ctx, expiryMargin)
	resp, token, err := r.send(ctx, st.req)
	if err != nil {
		if r.stopped(ctx, st) {
			st.cancelled()
			return
		}
		st.fail("Request failed: " + err.Error())
		return
	}

	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		refreshed := r.auth.RefreshAfter(ctx, token)
		if r.stopped(ctx, st) {
			st.cancelled()
			return
		}
		if !refreshed {
			r.log.Warn("stream unauthorized and refresh failed", "id", st.id, "kind", st.req.Kind)
			st.sink.AuthExpired()
			msg := "HTTP " + resp.Status + ": session expired"
			st.publish(events.Error(msg))
			st.summary.Outcome = OutcomeAuthExpired
			st.summary.Error = msg
			return
		}
		resp, _, err = r.send(ctx, st.req)
		if err != nil {
			if r.stopped(ctx, st) {
				st.cancelled()
				return
			}
			st.fail("Request failed: " + err.Error())
			return
		}
	}
	defer resp.Body.Close()

	st.publish(events.Phase(events.PhaseConnected))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		st.fail("HTTP " + resp.Status + ": " + apiclient.Truncate(strings.TrimSpace(string(body)), apiclient.MaxBodyPreview))
		return
	}
	if ct := contenttype.NewMediaType(resp.Header.Get("Content-Type")); !ct.Matches(eventStreamMediaType) {
		r.log.Warn("stream response is not an event stream", "id", st.id, "contentType", resp.Header.Get("Content-Type"))
	}

	r.read(ctx, st, resp.Body)
}

// read decodes the body chunk by chunk. The handle is checked after every
// read, before anything from that chunk is published.
func (r *Relay) read(ctx context.Context, st *stream, body io.Reader) {
	text := sse.NewTextReader(body)
	dec := sse.NewDecoder()
	buf := make([]byte, readBufferSize)
	for {
		n, err := text.Read(buf)
		if r.stopped(ctx, st) {
			st.cancelled()
			return
		}
		if n > 0 {
			st.summary.Bytes += int64(n)
			for _, ev := range dec.Feed(string(buf[:n])) {
				st.publish(ev)
			}
		}
		if errors.Is(err, io.EOF) {
			if rest := dec.Buffered(); rest != "" {
				r.log.Debug("discarding unterminated frame", "id", st.id, "size", humanize.Bytes(uint64(len(rest))))
			}
			if !st.lastDone {
				st.publish(events.Done())
			}
			st.finish(OutcomeDone)
			return
		}
		if err != nil {
			st.fail("Stream error: " + err.Error())
			return
		}
	}
}

// send issues the request with the current token and reports which token it
// used, so a 401 can be matched against later rotations.
func (r *Relay) send(ctx context.Context, req Request) (*http.Response, string, error) {
	token, _ := r.auth.AccessToken()
	hreq, err := r.api.NewStreamRequest(ctx, req.Method, req.Path, req.payload(), token)
	if err != nil {
		return nil, token, err
	}
	resp, err := r.api.DoStream(hreq)
	if err != nil {
		return nil, token, err
	}
	return resp, token, nil
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, errorBodyLimit))
	resp.Body.Close()
}
