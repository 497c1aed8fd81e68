package resources

import (
	"context"
	"testing"
	"time"

	"github.com/sebas/intercom/services/intercom/callid"
	"github.com/sebas/intercom/services/intercom/session"
)

type fixedCPU struct{ pct float64 }

func (f fixedCPU) CPUPercent() float64 { return f.pct }

func TestAdmitSessionEnforcesMaxActiveSessions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxActiveSessions = 2
	m := New(cfg, nil, nil)

	if err := m.AdmitSession(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.AdmitSession(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.AdmitSession(); err != ErrAtCapacity {
		t.Fatalf("expected ErrAtCapacity, got %v", err)
	}

	m.ReleaseSession()
	if err := m.AdmitSession(); err != nil {
		t.Fatalf("expected a slot to free up after release, got %v", err)
	}
}

func TestTransmissionDelayScalesUnderLoad(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ThrottleActiveSessions = 1
	cfg.ThrottleCPUPercent = 50
	cfg.ThrottleMultiplier = 2
	cfg.BaseTransmissionDelay = 10 * time.Millisecond

	m := New(cfg, fixedCPU{pct: 90}, nil)
	m.AdmitSession()
	m.AdmitSession()

	got := m.TransmissionDelay()
	want := 20 * time.Millisecond
	if got != want {
		t.Fatalf("expected throttled delay %v, got %v", want, got)
	}
}

func TestTransmissionDelayUnscaledUnderLightLoad(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseTransmissionDelay = 10 * time.Millisecond
	m := New(cfg, fixedCPU{pct: 10}, nil)
	m.AdmitSession()

	if got := m.TransmissionDelay(); got != cfg.BaseTransmissionDelay {
		t.Fatalf("expected unscaled delay %v, got %v", cfg.BaseTransmissionDelay, got)
	}
}

func TestConnectionRegistryRoundTrips(t *testing.T) {
	m := New(DefaultConfig(), nil, nil)
	id := callid.New()
	handle := &session.ConnHandle{CallID: id, Role: session.RoleVisitor}

	m.RegisterConnection(id, session.RoleVisitor, handle)
	got, ok := m.LookupConnection(id, session.RoleVisitor)
	if !ok || got != handle {
		t.Fatal("expected to find the registered connection handle")
	}

	m.UnregisterConnection(id, session.RoleVisitor)
	if _, ok := m.LookupConnection(id, session.RoleVisitor); ok {
		t.Fatal("expected the handle to be gone after unregister")
	}
}

func TestAcquireReleaseTranscriptionSemaphore(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentTranscriptions = 1
	m := New(cfg, nil, nil)

	ctx := context.Background()
	if err := m.AcquireTranscription(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		timeoutCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		if err := m.AcquireTranscription(timeoutCtx); err == nil {
			close(acquired)
		}
	}()

	select {
	case <-acquired:
		t.Fatal("expected second acquire to block while the only slot is held")
	case <-time.After(30 * time.Millisecond):
	}

	m.ReleaseTranscription()
}
