package conversation

import (
	"context"
	"testing"

	"github.com/sebas/intercom/services/intercom/callid"
	"github.com/sebas/intercom/services/intercom/capability"
	"github.com/sebas/intercom/services/intercom/session"
)

type fakeExtractor struct {
	result capability.ExtractedIntent
}

func (f *fakeExtractor) Extract(_ context.Context, _ string) (capability.ExtractedIntent, error) {
	return f.result, nil
}

type fakeDirectory struct {
	residentName string
	voipNumber   string
	found        bool
}

func (f *fakeDirectory) LookupApartment(_ context.Context, _ string) (string, string, bool) {
	return f.residentName, f.voipNumber, f.found
}

func TestIncompleteIntentPromptsForMissingField(t *testing.T) {
	sess := session.New(callid.New())
	extractor := &fakeExtractor{result: capability.ExtractedIntent{VisitorName: "Jane"}}
	m := New(sess, extractor, &fakeDirectory{}, DefaultPolicy(), nil)

	state, effects, err := m.Step(context.Background(), Event{Kind: EventVisitorUtterance, Transcript: "Hi, it's Jane"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != session.StateCollecting {
		t.Fatalf("expected to remain COLLECTING, got %v", state)
	}
	if len(effects) != 1 || effects[0].Kind != EffectEnqueueVisitorMessage {
		t.Fatalf("expected a single enqueue effect, got %+v", effects)
	}
}

func TestCompleteIntentWithMatchingResidentAdvancesToCalling(t *testing.T) {
	sess := session.New(callid.New())
	extractor := &fakeExtractor{result: capability.ExtractedIntent{
		IntentType: "delivery", VisitorName: "Jane Doe", Apartment: "4B", ResidentName: "Bob Smith",
	}}
	dir := &fakeDirectory{residentName: "Bob Smith", voipNumber: "+15551234567", found: true}
	m := New(sess, extractor, dir, DefaultPolicy(), nil)

	state, effects, err := m.Step(context.Background(), Event{Kind: EventVisitorUtterance, Transcript: "delivery for Bob Smith in 4B"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != session.StateCalling {
		t.Fatalf("expected CALLING, got %v", state)
	}

	foundCallEffect := false
	for _, e := range effects {
		if e.Kind == EffectStartOutboundCall {
			foundCallEffect = true
		}
	}
	if !foundCallEffect {
		t.Fatal("expected an EffectStartOutboundCall")
	}
	if sess.Intent().ResidentVoipNumber != "+15551234567" {
		t.Fatalf("expected resident VoIP number to be merged in, got %q", sess.Intent().ResidentVoipNumber)
	}
}

func TestMismatchedResidentNameBlocksAdvancement(t *testing.T) {
	sess := session.New(callid.New())
	extractor := &fakeExtractor{result: capability.ExtractedIntent{
		IntentType: "delivery", VisitorName: "Jane Doe", Apartment: "4B", ResidentName: "Zyx Qprw",
	}}
	dir := &fakeDirectory{residentName: "Bob Smith", voipNumber: "+15551234567", found: true}
	m := New(sess, extractor, dir, DefaultPolicy(), nil)

	state, _, err := m.Step(context.Background(), Event{Kind: EventVisitorUtterance, Transcript: "delivery for Zyx Qprw in 4B"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != session.StateCollecting {
		t.Fatalf("expected to remain COLLECTING when the name doesn't match, got %v", state)
	}
}

func TestResidentConnectedMovesThroughCallInProgressToWaitingResident(t *testing.T) {
	sess := session.New(callid.New())
	sess.TransitionTo(session.StateValidated)
	sess.TransitionTo(session.StateCalling)
	m := New(sess, &fakeExtractor{}, &fakeDirectory{}, DefaultPolicy(), nil)

	state, effects, err := m.Step(context.Background(), Event{Kind: EventResidentConnected})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != session.StateWaitingResident {
		t.Fatalf("expected WAITING_RESIDENT, got %v", state)
	}
	if len(effects) != 1 || effects[0].Kind != EffectEnqueueResidentMessage {
		t.Fatalf("expected a greeting enqueue effect, got %+v", effects)
	}
}

func TestResidentGrantDecisionFinishesSessionAuthorized(t *testing.T) {
	sess := session.New(callid.New())
	sess.TransitionTo(session.StateValidated)
	sess.TransitionTo(session.StateCalling)
	sess.TransitionTo(session.StateCallInProgress)
	sess.TransitionTo(session.StateWaitingResident)
	m := New(sess, &fakeExtractor{}, &fakeDirectory{}, DefaultPolicy(), nil)

	state, _, err := m.Step(context.Background(), Event{Kind: EventResidentUtterance, Transcript: "yes let them in"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != session.StateFinished {
		t.Fatalf("expected FINISHED, got %v", state)
	}
	if sess.AuthorizationResult() != session.AuthorizationGranted {
		t.Fatalf("expected GRANTED, got %v", sess.AuthorizationResult())
	}
}

func TestAmbiguousResidentReplyAsksForClarification(t *testing.T) {
	sess := session.New(callid.New())
	sess.TransitionTo(session.StateValidated)
	sess.TransitionTo(session.StateCalling)
	sess.TransitionTo(session.StateCallInProgress)
	sess.TransitionTo(session.StateWaitingResident)
	m := New(sess, &fakeExtractor{}, &fakeDirectory{}, DefaultPolicy(), nil)

	state, effects, err := m.Step(context.Background(), Event{Kind: EventResidentUtterance, Transcript: "hmm what time is it"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != session.StateWaitingResident {
		t.Fatalf("expected to remain WAITING_RESIDENT, got %v", state)
	}
	if len(effects) != 1 || effects[0].Kind != EffectEnqueueResidentMessage {
		t.Fatalf("expected a clarification effect, got %+v", effects)
	}
	if sess.AuthorizationResult() != session.AuthorizationUnset {
		t.Fatal("expected authorization to remain unset pending a clear answer")
	}
}

func TestResidentInquiryGetsContextualDetailWithoutLeavingWaitingResident(t *testing.T) {
	sess := session.New(callid.New())
	sess.MergeIntent(session.Intent{VisitorName: "Jane Doe", IntentType: "delivery"})
	sess.TransitionTo(session.StateValidated)
	sess.TransitionTo(session.StateCalling)
	sess.TransitionTo(session.StateCallInProgress)
	sess.TransitionTo(session.StateWaitingResident)
	m := New(sess, &fakeExtractor{}, &fakeDirectory{}, DefaultPolicy(), nil)

	state, effects, err := m.Step(context.Background(), Event{Kind: EventResidentUtterance, Transcript: "who is it?"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if state != session.StateWaitingResident {
		t.Fatalf("expected to remain WAITING_RESIDENT for an inquiry, got %v", state)
	}
	if len(effects) != 1 || effects[0].Kind != EffectEnqueueResidentMessage {
		t.Fatalf("expected a contextual-detail enqueue effect, got %+v", effects)
	}
	if sess.AuthorizationResult() != session.AuthorizationUnset {
		t.Fatal("expected authorization to remain unset after an inquiry")
	}
}
