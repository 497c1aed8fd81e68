package leg

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/sebas/intercom/services/intercom/callid"
	"github.com/sebas/intercom/services/intercom/capability"
	"github.com/sebas/intercom/services/intercom/conversation"
	"github.com/sebas/intercom/services/intercom/frame"
	"github.com/sebas/intercom/services/intercom/session"
)

type unlimitedResources struct{}

func (unlimitedResources) AcquireTranscription(context.Context) error { return nil }
func (unlimitedResources) ReleaseTranscription()                      {}
func (unlimitedResources) AcquireSynthesis(context.Context) error     { return nil }
func (unlimitedResources) ReleaseSynthesis()                          {}
func (unlimitedResources) Pace(context.Context) error                 { return nil }
func (unlimitedResources) RegisterConnection(callid.CallId, session.Role, *session.ConnHandle) {}
func (unlimitedResources) UnregisterConnection(callid.CallId, session.Role)                     {}
func (unlimitedResources) AdmitSession() error                                                 { return nil }
func (unlimitedResources) ReleaseSession()                                                      {}

type fakeTranscriber struct{ text string }

func (f fakeTranscriber) Transcribe(context.Context, []byte) (string, error) { return f.text, nil }

type fakeSynthesizer struct{}

func (fakeSynthesizer) Synthesize(context.Context, capability.SynthesisRequest) ([]byte, error) {
	return make([]byte, 640), nil
}

type fakeExtractor struct{ result capability.ExtractedIntent }

func (f fakeExtractor) Extract(context.Context, string) (capability.ExtractedIntent, error) {
	return f.result, nil
}

type fakeDirectory struct {
	residentName, voipNumber string
	found                    bool
}

func (f fakeDirectory) LookupApartment(context.Context, string) (string, string, bool) {
	return f.residentName, f.voipNumber, f.found
}

type noopOriginator struct{}

func (noopOriginator) Originate(context.Context, *session.Session) error { return nil }
func (noopOriginator) NotifyResidentConnected(callid.CallId) bool        { return false }

func TestHandleClosesOnMalformedOpeningFrame(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	registry := session.NewRegistry(time.Minute, time.Minute, nil)
	defer registry.Close()

	h := NewHandler(Deps{
		Registry:    registry,
		Resources:   unlimitedResources{},
		Transcriber: fakeTranscriber{},
		Synthesizer: fakeSynthesizer{},
		Extractor:   fakeExtractor{},
		Directory:   fakeDirectory{},
		Originator:  noopOriginator{},
		Policy:      conversation.DefaultPolicy(),
		Config:      DefaultConfig(),
	})

	done := make(chan struct{})
	go func() {
		h.Handle(server, "4B", session.RoleVisitor)
		close(done)
	}()

	// Send a SLIN frame first instead of the required ID frame.
	_ = frame.Encode(client, frame.NewSLIN(make([]byte, 320)))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not return after malformed opening frame")
	}
}

func TestHandleRegistersSessionFromIDFrame(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()

	registry := session.NewRegistry(time.Minute, time.Minute, nil)
	defer registry.Close()

	h := NewHandler(Deps{
		Registry:    registry,
		Resources:   unlimitedResources{},
		Transcriber: fakeTranscriber{},
		Synthesizer: fakeSynthesizer{},
		Extractor:   fakeExtractor{},
		Directory:   fakeDirectory{},
		Originator:  noopOriginator{},
		Policy:      conversation.DefaultPolicy(),
		Config:      DefaultConfig(),
	})

	id := callid.New()
	go h.Handle(server, "4B", session.RoleVisitor)

	raw := id.Bytes()
	if err := frame.Encode(client, frame.NewID(raw)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, ok := registry.Get(id); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("session was never registered from ID frame")
}

func TestHandleTerminatesOnHangupFrame(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	registry := session.NewRegistry(time.Minute, time.Minute, nil)
	defer registry.Close()

	h := NewHandler(Deps{
		Registry:    registry,
		Resources:   unlimitedResources{},
		Transcriber: fakeTranscriber{},
		Synthesizer: fakeSynthesizer{},
		Extractor:   fakeExtractor{},
		Directory:   fakeDirectory{},
		Originator:  noopOriginator{},
		Policy:      conversation.DefaultPolicy(),
		Config:      DefaultConfig(),
	})

	id := callid.New()
	done := make(chan struct{})
	go func() {
		h.Handle(server, "4B", session.RoleVisitor)
		close(done)
	}()

	raw := id.Bytes()
	_ = frame.Encode(client, frame.NewID(raw))
	_ = frame.Encode(client, frame.Hangup)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not return after HANGUP frame")
	}

	sess, ok := registry.Get(id)
	if !ok {
		t.Fatal("expected session to exist")
	}
	if !sess.TerminateVisitor.Get() {
		t.Fatal("expected visitor termination latch to be set")
	}
}

type capacityRejectingResources struct {
	unlimitedResources
}

var errAtCapacity = errors.New("at capacity")

func (capacityRejectingResources) AdmitSession() error { return errAtCapacity }

func TestHandleClosesConnectionWhenAdmissionRejected(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	registry := session.NewRegistry(time.Minute, time.Minute, nil)
	defer registry.Close()

	h := NewHandler(Deps{
		Registry:    registry,
		Resources:   capacityRejectingResources{},
		Transcriber: fakeTranscriber{},
		Synthesizer: fakeSynthesizer{},
		Extractor:   fakeExtractor{},
		Directory:   fakeDirectory{},
		Originator:  noopOriginator{},
		Policy:      conversation.DefaultPolicy(),
		Config:      DefaultConfig(),
	})

	id := callid.New()
	done := make(chan struct{})
	go func() {
		h.Handle(server, "4B", session.RoleVisitor)
		close(done)
	}()

	raw := id.Bytes()
	_ = frame.Encode(client, frame.NewID(raw))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler did not return after admission was rejected")
	}

	if _, ok := registry.Get(id); !ok {
		t.Fatal("expected GetOrCreate to have registered the session before admission check")
	}
}

func TestHandleTerminatesOnIdleTimeout(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	registry := session.NewRegistry(time.Minute, time.Minute, nil)
	defer registry.Close()

	cfg := DefaultConfig()
	cfg.SilenceThreshold = 30 * time.Millisecond
	cfg.ResidentMaxSilence = 30 * time.Millisecond
	cfg.MaxTransactionTime = time.Minute

	h := NewHandler(Deps{
		Registry:    registry,
		Resources:   unlimitedResources{},
		Transcriber: fakeTranscriber{},
		Synthesizer: fakeSynthesizer{},
		Extractor:   fakeExtractor{},
		Directory:   fakeDirectory{},
		Originator:  noopOriginator{},
		Policy:      conversation.DefaultPolicy(),
		Config:      cfg,
	})

	id := callid.New()
	done := make(chan struct{})
	go func() {
		h.Handle(server, "4B", session.RoleVisitor)
		close(done)
	}()

	raw := id.Bytes()
	_ = frame.Encode(client, frame.NewID(raw))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after idle timeout")
	}

	sess, ok := registry.Get(id)
	if !ok {
		t.Fatal("expected session to exist")
	}
	if sess.TerminateCause() != "timeout" {
		t.Fatalf("expected termination cause 'timeout', got %q", sess.TerminateCause())
	}
}
