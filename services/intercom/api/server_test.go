package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sebas/intercom/services/intercom/callid"
	"github.com/sebas/intercom/services/intercom/session"
)

type fakeExtensionManager struct {
	snapshot     []ExtensionStatus
	refreshErr   error
	restartErr   error
	restartedFor string
}

func (f *fakeExtensionManager) Snapshot() []ExtensionStatus { return f.snapshot }
func (f *fakeExtensionManager) Refresh(_ context.Context) error { return f.refreshErr }
func (f *fakeExtensionManager) Restart(_ context.Context, apartment string) error {
	f.restartedFor = apartment
	return f.restartErr
}

func TestHandleStatusReportsActiveSessions(t *testing.T) {
	registry := session.NewRegistry(time.Minute, time.Minute, nil)
	defer registry.Close()
	id := callid.New()
	registry.GetOrCreate(id)

	srv := NewServer(registry, &fakeExtensionManager{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleHangupTerminatesSession(t *testing.T) {
	registry := session.NewRegistry(time.Minute, time.Minute, nil)
	defer registry.Close()
	id := callid.New()
	sess, _ := registry.GetOrCreate(id)

	srv := NewServer(registry, &fakeExtensionManager{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/sessions/"+id.String()+"/hangup", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if !sess.TerminateVisitor.Get() {
		t.Fatal("expected session to be terminated")
	}
}

func TestHandleHangupRejectsMalformedCallId(t *testing.T) {
	registry := session.NewRegistry(time.Minute, time.Minute, nil)
	defer registry.Close()

	srv := NewServer(registry, &fakeExtensionManager{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/sessions/not-a-uuid/hangup", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleRestartDelegatesToExtensionManager(t *testing.T) {
	registry := session.NewRegistry(time.Minute, time.Minute, nil)
	defer registry.Close()
	ext := &fakeExtensionManager{}

	srv := NewServer(registry, ext, nil)
	req := httptest.NewRequest(http.MethodPost, "/extensions/4B/restart", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if ext.restartedFor != "4B" {
		t.Fatalf("expected restart for apartment 4B, got %q", ext.restartedFor)
	}
}
