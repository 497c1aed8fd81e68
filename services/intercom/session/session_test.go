package session

import (
	"testing"
	"time"

	"github.com/sebas/intercom/services/intercom/callid"
)

func TestTransitionOrderEnforced(t *testing.T) {
	s := New(callid.New())
	if err := s.TransitionTo(StateCalling); err == nil {
		t.Fatal("expected illegal transition COLLECTING -> CALLING to fail")
	}
	if err := s.TransitionTo(StateValidated); err != nil {
		t.Fatalf("expected COLLECTING -> VALIDATED to succeed, got %v", err)
	}
	if s.State() != StateValidated {
		t.Fatalf("expected state VALIDATED, got %v", s.State())
	}
}

func TestFinishedReachableFromAnyState(t *testing.T) {
	s := New(callid.New())
	if err := s.TransitionTo(StateFinished); err != nil {
		t.Fatalf("expected abort to FINISHED to always succeed, got %v", err)
	}
	if s.State() != StateFinished {
		t.Fatalf("expected FINISHED, got %v", s.State())
	}
}

func TestMergeIntentNeverOverwritesFilledFields(t *testing.T) {
	s := New(callid.New())
	s.MergeIntent(Intent{VisitorName: "Jane", Apartment: "4B"})
	s.MergeIntent(Intent{VisitorName: "Someone Else", ResidentName: "Bob"})

	got := s.Intent()
	if got.VisitorName != "Jane" {
		t.Fatalf("expected VisitorName to remain Jane, got %q", got.VisitorName)
	}
	if got.ResidentName != "Bob" {
		t.Fatalf("expected ResidentName to be filled in, got %q", got.ResidentName)
	}
}

func TestSetAuthorizationResultOnlyOnce(t *testing.T) {
	s := New(callid.New())
	if err := s.SetAuthorizationResult(AuthorizationGranted); err != nil {
		t.Fatalf("expected first set to succeed, got %v", err)
	}
	if err := s.SetAuthorizationResult(AuthorizationDenied); err == nil {
		t.Fatal("expected second set to fail with an invariant error")
	}
	if s.AuthorizationResult() != AuthorizationGranted {
		t.Fatalf("expected result to remain GRANTED, got %v", s.AuthorizationResult())
	}
}

func TestEnqueueDequeueIsFIFO(t *testing.T) {
	s := New(callid.New())
	s.Enqueue(RoleVisitor, Message{Text: "first"})
	s.Enqueue(RoleVisitor, Message{Text: "second"})

	m, ok := s.Dequeue(RoleVisitor)
	if !ok || m.Text != "first" {
		t.Fatalf("expected first message, got %+v ok=%v", m, ok)
	}
	m, ok = s.Dequeue(RoleVisitor)
	if !ok || m.Text != "second" {
		t.Fatalf("expected second message, got %+v ok=%v", m, ok)
	}
	if _, ok := s.Dequeue(RoleVisitor); ok {
		t.Fatal("expected queue to be empty")
	}
}

func TestRegistryGetOrCreateIsIdempotentPerCallId(t *testing.T) {
	r := NewRegistry(DefaultTTL, time.Second, nil)
	defer r.Close()

	id := callid.New()
	s1, created1 := r.GetOrCreate(id)
	s2, created2 := r.GetOrCreate(id)

	if !created1 {
		t.Fatal("expected first GetOrCreate to create a session")
	}
	if created2 {
		t.Fatal("expected second GetOrCreate to find the existing session")
	}
	if s1 != s2 {
		t.Fatal("expected both legs to share the same *Session for a CallId")
	}
}

func TestRegistryEndRemovesSession(t *testing.T) {
	r := NewRegistry(DefaultTTL, time.Second, nil)
	defer r.Close()

	id := callid.New()
	r.GetOrCreate(id)
	r.End(id)

	if _, ok := r.Get(id); ok {
		t.Fatal("expected session to be gone after End")
	}
}

func TestTerminateWithCauseKeepsFirstCause(t *testing.T) {
	s := New(callid.New())
	s.TerminateWithCause("timeout")
	s.TerminateWithCause("hangup")

	if got := s.TerminateCause(); got != "timeout" {
		t.Fatalf("expected first cause 'timeout' to stick, got %q", got)
	}
	if !s.TerminateVisitor.Get() || !s.TerminateResident.Get() {
		t.Fatal("expected both termination latches to be set")
	}
}

func TestReleaseResourceOnceFiresExactlyOnceAfterAdmit(t *testing.T) {
	s := New(callid.New())

	if s.ReleaseResourceOnce() {
		t.Fatal("expected no release before a slot was ever admitted")
	}

	s.MarkResourceAdmitted()
	if !s.ReleaseResourceOnce() {
		t.Fatal("expected first release after admission to return true")
	}
	if s.ReleaseResourceOnce() {
		t.Fatal("expected second release to be a no-op")
	}
}
