package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/MutazGhazal/npai-backend/pkg/npai/channels"
	"github.com/MutazGhazal/npai-backend/pkg/npai/config"
)

type waHarness struct {
	m  *WhatsappManager
	mu sync.Mutex
	// adapters records every adapter the manager constructed, in order.
	adapters []*fakeAdapter
}

func newWaHarness(t *testing.T, st *fakeStore) *waHarness {
	t.Helper()

	gen := &fakeGen{reply: "ok"}
	pipeline := NewPipeline(st, gen, nil)
	h := &waHarness{}
	h.m = NewWhatsappManager(context.Background(), st, pipeline, config.WhatsAppConfig{
		SessionDir:           t.TempDir(),
		ReconnectBaseDelay:   2 * time.Millisecond,
		MaxReconnectAttempts: 5,
	}, nil)
	h.m.newAdapter = func(botID string) channels.SessionAdapter {
		h.mu.Lock()
		defer h.mu.Unlock()
		a := &fakeAdapter{}
		h.adapters = append(h.adapters, a)
		return a
	}
	return h
}

func (h *waHarness) adapterCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.adapters)
}

func (h *waHarness) lastAdapter() *fakeAdapter {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.adapters[len(h.adapters)-1]
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWhatsappStartIdempotent(t *testing.T) {
	h := newWaHarness(t, newFakeStore())

	if err := h.m.Start("b1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.m.Start("b1"); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if got := h.adapterCount(); got != 1 {
		t.Errorf("adapters created = %d, want 1", got)
	}
	if !h.m.IsRunning("b1") {
		t.Error("session not running after Start")
	}
}

func TestWhatsappPairingFlow(t *testing.T) {
	h := newWaHarness(t, newFakeStore())

	if err := h.m.Start("b1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	st := h.m.Status("b1")
	if st.State != StateConnecting {
		t.Fatalf("state after start = %q, want connecting", st.State)
	}

	a := h.lastAdapter()
	a.emit(channels.StateChange{Phase: channels.PhasePairing, PairingCode: "qr-payload"})

	st = h.m.Status("b1")
	if st.State != StateAwaitingPairing {
		t.Fatalf("state after pairing event = %q, want awaiting-pairing", st.State)
	}
	if st.PairingCode != "qr-payload" || st.PairingAt == nil {
		t.Errorf("pairing artifact = %q/%v, want recorded", st.PairingCode, st.PairingAt)
	}

	a.emit(channels.StateChange{Phase: channels.PhaseOpen, AccountID: "966512345678@s.whatsapp.net"})

	st = h.m.Status("b1")
	if st.State != StateConnected {
		t.Fatalf("state after open = %q, want connected", st.State)
	}
	if st.PairingCode != "" || st.PairingAt != nil {
		t.Error("pairing artifact not cleared on connect")
	}
	if st.AccountID != "966512345678@s.whatsapp.net" {
		t.Errorf("account = %q", st.AccountID)
	}
	if st.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0", st.RetryCount)
	}
}

// exhaustRetries drives b1 through enough transient closes to cross the
// reconnect ceiling, leaving six adapters behind.
func exhaustRetries(t *testing.T, h *waHarness) {
	t.Helper()

	if err := h.m.Start("b1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Five transient closes each schedule one reconnect; the sixth close
	// crosses the ceiling and schedules nothing.
	for i := 1; i <= 5; i++ {
		h.lastAdapter().emit(channels.StateChange{
			Phase: channels.PhaseClosed,
			Cause: channels.CauseTransient,
		})
		want := 1 + i
		waitFor(t, "reconnect attempt", func() bool {
			return h.adapterCount() == want
		})
	}

	h.lastAdapter().emit(channels.StateChange{
		Phase: channels.PhaseClosed,
		Cause: channels.CauseTransient,
	})
	time.Sleep(50 * time.Millisecond)
}

func TestWhatsappTransientRetry(t *testing.T) {
	t.Run("stops after the retry ceiling", func(t *testing.T) {
		h := newWaHarness(t, newFakeStore())
		exhaustRetries(t, h)

		if got := h.adapterCount(); got != 6 {
			t.Errorf("adapters created = %d, want 6 (no retry past the ceiling)", got)
		}
		st := h.m.Status("b1")
		if st.State != StateError {
			t.Errorf("state past ceiling = %q, want error (awaiting manual restart)", st.State)
		}
		if st.RetryCount != 6 {
			t.Errorf("retry count = %d, want 6", st.RetryCount)
		}
		if h.m.IsRunning("b1") {
			t.Error("session reported running with no retry pending")
		}
	})

	t.Run("explicit start revives a session past the ceiling", func(t *testing.T) {
		h := newWaHarness(t, newFakeStore())
		exhaustRetries(t, h)

		if err := h.m.Start("b1"); err != nil {
			t.Fatalf("Start after ceiling: %v", err)
		}
		if got := h.adapterCount(); got != 7 {
			t.Errorf("adapters created = %d, want 7 (fresh adapter on revival)", got)
		}
		st := h.m.Status("b1")
		if st.State != StateConnecting || st.RetryCount != 0 {
			t.Errorf("revived session = %q with retry %d, want connecting with retry 0", st.State, st.RetryCount)
		}
		if !h.m.IsRunning("b1") {
			t.Error("revived session not running")
		}
	})

	t.Run("superseded adapter is released", func(t *testing.T) {
		h := newWaHarness(t, newFakeStore())

		if err := h.m.Start("b1"); err != nil {
			t.Fatalf("Start: %v", err)
		}
		first := h.lastAdapter()
		first.emit(channels.StateChange{
			Phase: channels.PhaseClosed,
			Cause: channels.CauseTransient,
		})
		waitFor(t, "reconnect attempt", func() bool { return h.adapterCount() == 2 })
		waitFor(t, "superseded adapter release", func() bool {
			return first.disconnectCount() == 1
		})
	})

	t.Run("successful open resets the retry budget", func(t *testing.T) {
		h := newWaHarness(t, newFakeStore())

		if err := h.m.Start("b1"); err != nil {
			t.Fatalf("Start: %v", err)
		}
		h.lastAdapter().emit(channels.StateChange{
			Phase: channels.PhaseClosed,
			Cause: channels.CauseTransient,
		})
		waitFor(t, "reconnect attempt", func() bool { return h.adapterCount() == 2 })

		h.lastAdapter().emit(channels.StateChange{Phase: channels.PhaseOpen, AccountID: "acc"})
		if got := h.m.Status("b1").RetryCount; got != 0 {
			t.Errorf("retry count after open = %d, want 0", got)
		}
	})

	t.Run("restart-required reconnects immediately once", func(t *testing.T) {
		h := newWaHarness(t, newFakeStore())

		if err := h.m.Start("b1"); err != nil {
			t.Fatalf("Start: %v", err)
		}
		h.lastAdapter().emit(channels.StateChange{
			Phase: channels.PhaseClosed,
			Cause: channels.CauseRestartRequired,
		})
		waitFor(t, "restart reconnect", func() bool { return h.adapterCount() == 2 })

		if st := h.m.Status("b1"); st.State != StateConnecting {
			t.Errorf("state = %q, want connecting", st.State)
		}
	})

	t.Run("logged out is terminal", func(t *testing.T) {
		h := newWaHarness(t, newFakeStore())

		if err := h.m.Start("b1"); err != nil {
			t.Fatalf("Start: %v", err)
		}
		h.lastAdapter().emit(channels.StateChange{
			Phase: channels.PhaseClosed,
			Cause: channels.CauseLoggedOut,
			Err:   channels.ErrConnectionFailed,
		})
		time.Sleep(20 * time.Millisecond)

		if got := h.adapterCount(); got != 1 {
			t.Errorf("adapters created = %d, want 1 (no retry after logout)", got)
		}
		st := h.m.Status("b1")
		if st.State != StateDisconnected {
			t.Errorf("state = %q, want disconnected", st.State)
		}
		if st.LastError == "" {
			t.Error("logged-out cause not surfaced as last error")
		}
	})
}

func TestWhatsappStop(t *testing.T) {
	t.Run("stop cancels a scheduled reconnect", func(t *testing.T) {
		h := newWaHarness(t, newFakeStore())
		// A long delay keeps the timer pending while we stop.
		h.m.cfg.ReconnectBaseDelay = 30 * time.Millisecond

		if err := h.m.Start("b1"); err != nil {
			t.Fatalf("Start: %v", err)
		}
		h.lastAdapter().emit(channels.StateChange{
			Phase: channels.PhaseClosed,
			Cause: channels.CauseTransient,
		})

		if !h.m.Stop("b1") {
			t.Fatal("Stop reported false for an active session")
		}
		time.Sleep(80 * time.Millisecond)

		if got := h.adapterCount(); got != 1 {
			t.Errorf("adapters created = %d, want 1 (reconnect after stop)", got)
		}
		if h.m.IsRunning("b1") {
			t.Error("session running after Stop")
		}
		if st := h.m.Status("b1"); st.State != StateDisconnected {
			t.Errorf("state = %q, want disconnected", st.State)
		}
	})

	t.Run("stop is idempotent", func(t *testing.T) {
		h := newWaHarness(t, newFakeStore())
		if h.m.Stop("never-started") {
			t.Error("Stop reported true for an unknown session")
		}

		if err := h.m.Start("b1"); err != nil {
			t.Fatalf("Start: %v", err)
		}
		if !h.m.Stop("b1") {
			t.Error("first Stop reported false")
		}
		if h.m.Stop("b1") {
			t.Error("second Stop reported true")
		}
	})

	t.Run("tombstone survives until shutdown", func(t *testing.T) {
		h := newWaHarness(t, newFakeStore())
		if err := h.m.Start("b1"); err != nil {
			t.Fatalf("Start: %v", err)
		}
		h.m.Stop("b1")

		if st := h.m.Status("b1"); st == nil {
			t.Fatal("status gone after stop, want tombstone")
		}
		h.m.Shutdown()
		if st := h.m.Status("b1"); st != nil {
			t.Error("tombstone survived shutdown")
		}
	})
}

func TestWhatsappRestartSerialized(t *testing.T) {
	h := newWaHarness(t, newFakeStore())

	if err := h.m.Start("b1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The restart's start half blocks in adapter construction, holding the
	// per-bot lock while the concurrent stop waits for it.
	block := make(chan struct{})
	h.m.newAdapter = func(botID string) channels.SessionAdapter {
		<-block
		h.mu.Lock()
		defer h.mu.Unlock()
		a := &fakeAdapter{}
		h.adapters = append(h.adapters, a)
		return a
	}

	first := h.lastAdapter()
	restartDone := make(chan error, 1)
	go func() { restartDone <- h.m.Restart("b1") }()

	// Once the first adapter is disconnected the restart's stop half has
	// run and its start half is blocked, still holding the per-bot lock.
	waitFor(t, "restart stop half", func() bool { return first.disconnectCount() == 1 })

	stopDone := make(chan bool, 1)
	go func() { stopDone <- h.m.Stop("b1") }()

	time.Sleep(10 * time.Millisecond)
	close(block)

	if err := <-restartDone; err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if !<-stopDone {
		t.Error("Stop reported false for the restarted session")
	}

	if h.m.IsRunning("b1") {
		t.Error("session running after the stop that followed the restart")
	}
	if got := h.lastAdapter().disconnectCount(); got != 1 {
		t.Errorf("restarted adapter disconnects = %d, want 1 (stop ran after the restart completed)", got)
	}
}

func TestWhatsappLogout(t *testing.T) {
	h := newWaHarness(t, newFakeStore())
	if err := h.m.Start("b1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	a := h.lastAdapter()
	if !h.m.Logout("b1") {
		t.Fatal("Logout reported false for an active session")
	}
	if a.logouts != 1 {
		t.Errorf("adapter logouts = %d, want 1", a.logouts)
	}
	if h.m.IsRunning("b1") {
		t.Error("session running after Logout")
	}
}

func TestReconciler(t *testing.T) {
	st := newFakeStore()
	h := newWaHarness(t, st)

	if err := h.m.Start("b1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.lastAdapter().emit(channels.StateChange{Phase: channels.PhaseOpen, AccountID: "acc"})
	h.m.Start("b2")
	h.m.Stop("b2")

	r := NewReconciler(h.m, st, nil)
	r.reconcile()

	st.mu.Lock()
	defer st.mu.Unlock()
	want := map[string]bool{
		"b1/whatsapp=connected":    true,
		"b2/whatsapp=disconnected": true,
	}
	if len(st.statusWrites) != 2 {
		t.Fatalf("status writes = %v, want 2 entries", st.statusWrites)
	}
	for _, w := range st.statusWrites {
		if !want[w] {
			t.Errorf("unexpected status write %q", w)
		}
	}
}
