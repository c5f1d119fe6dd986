package cancel_test

import (
	"sync"
	"testing"

	"github.com/zsprackett/prd-relay/internal/cancel"
	"github.com/zsprackett/prd-relay/internal/events"
)

func TestNewSupersedesPrevious(t *testing.T) {
	r := cancel.NewRegistry()
	first := r.New(events.KindMessage)
	second := r.New(events.KindMessage)

	if !first.Cancelled() {
		t.Error("first handle should be cancelled after a second New for the same kind")
	}
	if second.Cancelled() {
		t.Error("second handle should be active")
	}
}

func TestKindsAreIndependent(t *testing.T) {
	r := cancel.NewRegistry()
	msg := r.New(events.KindMessage)
	preview := r.New(events.KindPreview)
	r.Cancel(events.KindPreview)

	if msg.Cancelled() {
		t.Error("message handle should not be affected by cancelling preview")
	}
	if !preview.Cancelled() {
		t.Error("preview handle should be cancelled")
	}
}

func TestCancelUnknownKindIsNoOp(t *testing.T) {
	r := cancel.NewRegistry()
	r.Cancel(events.KindGroup)
	h := r.New(events.KindGroup)
	if h.Cancelled() {
		t.Error("a cancel before New should not affect the new handle")
	}
}

func TestCancelAll(t *testing.T) {
	r := cancel.NewRegistry()
	handles := []*cancel.Handle{
		r.New(events.KindMessage),
		r.New(events.KindPreview),
		r.New(events.KindGroup),
		r.New(events.KindGuide),
	}
	r.CancelAll()
	for i, h := range handles {
		if !h.Cancelled() {
			t.Errorf("handle %d still active after CancelAll", i)
		}
		select {
		case <-h.Context().Done():
		default:
			t.Errorf("handle %d context not done", i)
		}
	}
}

func TestSlotReusedAfterCancel(t *testing.T) {
	r := cancel.NewRegistry()
	old := r.New(events.KindMessage)
	r.Cancel(events.KindMessage)
	fresh := r.New(events.KindMessage)
	if !old.Cancelled() || fresh.Cancelled() {
		t.Errorf("old cancelled=%v fresh cancelled=%v", old.Cancelled(), fresh.Cancelled())
	}
	r.Cancel(events.KindMessage)
	if !fresh.Cancelled() {
		t.Error("cancelling the kind again should reach the fresh handle")
	}
}

func TestConcurrentNewLeavesOneActive(t *testing.T) {
	r := cancel.NewRegistry()
	const n = 50
	handles := make([]*cancel.Handle, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handles[i] = r.New(events.KindMessage)
		}()
	}
	wg.Wait()

	active := 0
	for _, h := range handles {
		if !h.Cancelled() {
			active++
		}
	}
	if active != 1 {
		t.Errorf("expected exactly 1 active handle, got %d", active)
	}
}
