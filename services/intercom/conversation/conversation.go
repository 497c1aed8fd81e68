// Package conversation implements the data collection -> validation ->
// outbound call -> resident decision -> finalization state machine. In
// contrast to state logic scattered across leg handlers, every
// transition is driven through one Step function so the full set of
// legal reactions to an event is visible in one place.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sebas/intercom/services/intercom/capability"
	"github.com/sebas/intercom/services/intercom/session"
)

// EventKind tags the event variants Step accepts.
type EventKind int

const (
	// EventVisitorUtterance carries a transcript from the visitor leg.
	EventVisitorUtterance EventKind = iota
	// EventResidentUtterance carries a transcript from the resident leg.
	EventResidentUtterance
	// EventResidentConnected fires once the orchestrator confirms the
	// resident leg answered.
	EventResidentConnected
	// EventCallFailed fires if the orchestrator could not connect the
	// resident leg (no answer, dial timeout, bus publish failure).
	EventCallFailed
	// EventWatchdogForced fires when the per-leg deadlock watchdog
	// force-closed an utterance.
	EventWatchdogForced
)

// Event is one input to Step.
type Event struct {
	Kind       EventKind
	Transcript string
}

// EffectKind tags the instructions Step asks the caller to carry out.
// Step never performs I/O itself; it only decides what should happen.
type EffectKind int

const (
	EffectEnqueueVisitorMessage EffectKind = iota
	EffectEnqueueResidentMessage
	EffectStartOutboundCall
	EffectTerminateSession
)

// Effect is one outcome of a Step call.
type Effect struct {
	Kind    EffectKind
	Text    string
	Purpose session.Purpose
}

// Policy holds the tunables Step needs beyond the session itself.
type Policy struct {
	NameMatchThreshold int // 0-100, default 75
}

// DefaultPolicy returns the standard fuzzy-match threshold.
func DefaultPolicy() Policy {
	return Policy{NameMatchThreshold: 75}
}

// residentDirectory resolves a resident's on-file name and VoIP number
// for a given apartment. Implemented by services/intercom/directory.
type residentDirectory interface {
	LookupApartment(ctx context.Context, apartment string) (residentName, voipNumber string, ok bool)
}

// Machine drives one session's conversation. It is not safe for
// concurrent Step calls on the same session; the session's own leg
// handlers serialize access through a single dispatch goroutine
// (services/intercom/leg).
type Machine struct {
	sess      *session.Session
	extractor capability.IntentExtractor
	directory residentDirectory
	policy    Policy
	logger    *slog.Logger
}

// New constructs a Machine over sess.
func New(sess *session.Session, extractor capability.IntentExtractor, directory residentDirectory, policy Policy, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{sess: sess, extractor: extractor, directory: directory, policy: policy, logger: logger}
}

// Step applies one event to the session and returns the resulting
// state plus the effects the caller must carry out (enqueue outbound
// audio, kick off the orchestrator, tear the session down). Turns are
// recorded in session history even when the event does not drive a
// transition: inputs the current state ignores still append history.
func (m *Machine) Step(ctx context.Context, ev Event) (session.State, []Effect, error) {
	m.sess.Touch()

	switch ev.Kind {
	case EventVisitorUtterance:
		return m.stepVisitorUtterance(ctx, ev.Transcript)
	case EventResidentUtterance:
		return m.stepResidentUtterance(ev.Transcript)
	case EventResidentConnected:
		return m.stepResidentConnected()
	case EventCallFailed:
		return m.stepCallFailed()
	case EventWatchdogForced:
		// A forced utterance with no usable transcript: treat as a
		// clarification prompt rather than silently dropping it.
		if m.sess.State() == session.StateCollecting {
			m.sess.Enqueue(session.RoleVisitor, session.Message{
				Text: "Sorry, I didn't catch that. Could you repeat who you're here to see?", Purpose: session.PurposeClarification,
			})
			return m.sess.State(), []Effect{{Kind: EffectEnqueueVisitorMessage, Text: "clarify", Purpose: session.PurposeClarification}}, nil
		}
		return m.sess.State(), nil, nil
	default:
		return m.sess.State(), nil, fmt.Errorf("conversation: unknown event kind %d", ev.Kind)
	}
}

func (m *Machine) stepVisitorUtterance(ctx context.Context, transcript string) (session.State, []Effect, error) {
	m.sess.AppendHistory(session.RoleVisitor, transcript)

	if m.sess.State() != session.StateCollecting {
		// Input arriving while we've moved past collection is logged but
		// otherwise ignored.
		m.logger.Debug("[Conversation] visitor utterance ignored outside COLLECTING", "call_id", m.sess.CallID, "state", m.sess.State())
		return m.sess.State(), nil, nil
	}

	extracted, err := m.extractor.Extract(ctx, transcript)
	if err != nil {
		m.logger.Warn("[Conversation] intent extraction failed", "call_id", m.sess.CallID, "error", err)
		m.sess.Enqueue(session.RoleVisitor, session.Message{
			Text: "Sorry, could you say that again?", Purpose: session.PurposeClarification,
		})
		return m.sess.State(), []Effect{{Kind: EffectEnqueueVisitorMessage, Purpose: session.PurposeClarification}}, nil
	}

	m.sess.MergeIntent(session.Intent{
		IntentType:   extracted.IntentType,
		VisitorName:  extracted.VisitorName,
		Apartment:    extracted.Apartment,
		ResidentName: extracted.ResidentName,
	})

	intent := m.sess.Intent()
	if !intent.Complete() {
		prompt := nextCollectionPrompt(intent)
		m.sess.Enqueue(session.RoleVisitor, session.Message{Text: prompt, Purpose: session.PurposePrompt})
		return m.sess.State(), []Effect{{Kind: EffectEnqueueVisitorMessage, Text: prompt, Purpose: session.PurposePrompt}}, nil
	}

	return m.validateAndAdvance(intent)
}

// nextCollectionPrompt asks for whichever field is still missing, in a
// fixed order, so the visitor is never asked for something twice.
func nextCollectionPrompt(intent session.Intent) string {
	switch {
	case intent.VisitorName == "":
		return "Who am I speaking with?"
	case intent.Apartment == "":
		return "Which apartment are you visiting?"
	case intent.ResidentName == "":
		return "What's the resident's name?"
	default:
		return "Could you tell me more about why you're here?"
	}
}

func (m *Machine) validateAndAdvance(intent session.Intent) (session.State, []Effect, error) {
	residentOnFile, voipNumber, found := "", "", false
	if m.directory != nil {
		residentOnFile, voipNumber, found = m.directory.LookupApartment(context.Background(), intent.Apartment)
	}

	if !found {
		m.sess.Enqueue(session.RoleVisitor, session.Message{
			Text: "I couldn't find that apartment. Could you confirm the apartment number?", Purpose: session.PurposeClarification,
		})
		return m.sess.State(), []Effect{{Kind: EffectEnqueueVisitorMessage, Purpose: session.PurposeClarification}}, nil
	}

	score := similarityScore(intent.ResidentName, residentOnFile)
	if score < float64(m.policy.NameMatchThreshold) {
		m.sess.Enqueue(session.RoleVisitor, session.Message{
			Text: "I'm sorry, I can't find a resident by that name. Could you confirm?", Purpose: session.PurposeClarification,
		})
		return m.sess.State(), []Effect{{Kind: EffectEnqueueVisitorMessage, Purpose: session.PurposeClarification}}, nil
	}

	m.sess.MergeIntent(session.Intent{ResidentVoipNumber: voipNumber})

	if err := m.sess.TransitionTo(session.StateValidated); err != nil {
		return m.sess.State(), nil, err
	}
	if err := m.sess.TransitionTo(session.StateCalling); err != nil {
		return m.sess.State(), nil, err
	}

	m.sess.Enqueue(session.RoleVisitor, session.Message{
		Text: fmt.Sprintf("Thanks, connecting you to %s now.", residentOnFile), Purpose: session.PurposePrompt,
	})

	return m.sess.State(), []Effect{
		{Kind: EffectEnqueueVisitorMessage, Purpose: session.PurposePrompt},
		{Kind: EffectStartOutboundCall},
	}, nil
}

func (m *Machine) stepResidentConnected() (session.State, []Effect, error) {
	if m.sess.State() != session.StateCalling {
		return m.sess.State(), nil, nil
	}
	if err := m.sess.TransitionTo(session.StateCallInProgress); err != nil {
		return m.sess.State(), nil, err
	}

	intent := m.sess.Intent()
	greeting := fmt.Sprintf("You have a visitor, %s, here to see you regarding %s. Would you like to let them in?", intent.VisitorName, intent.IntentType)
	m.sess.Enqueue(session.RoleResident, session.Message{Text: greeting, Purpose: session.PurposeGreeting})

	if err := m.sess.TransitionTo(session.StateWaitingResident); err != nil {
		return m.sess.State(), nil, err
	}

	return m.sess.State(), []Effect{{Kind: EffectEnqueueResidentMessage, Text: greeting, Purpose: session.PurposeGreeting}}, nil
}

func (m *Machine) stepCallFailed() (session.State, []Effect, error) {
	if err := m.sess.TransitionTo(session.StateFinished); err != nil {
		return m.sess.State(), nil, err
	}
	m.sess.Enqueue(session.RoleVisitor, session.Message{
		Text: "Sorry, we couldn't reach the resident right now.", Purpose: session.PurposeApology,
	})
	return m.sess.State(), []Effect{
		{Kind: EffectEnqueueVisitorMessage, Purpose: session.PurposeApology},
		{Kind: EffectTerminateSession},
	}, nil
}

func (m *Machine) stepResidentUtterance(transcript string) (session.State, []Effect, error) {
	m.sess.AppendHistory(session.RoleResident, transcript)

	if m.sess.State() != session.StateWaitingResident {
		return m.sess.State(), nil, nil
	}

	switch classifyResidentReply(transcript) {
	case decisionInquiry:
		intent := m.sess.Intent()
		detail := fmt.Sprintf("It's %s, here about %s.", intent.VisitorName, intent.IntentType)
		m.sess.Enqueue(session.RoleResident, session.Message{Text: detail, Purpose: session.PurposeClarification})
		return m.sess.State(), []Effect{{Kind: EffectEnqueueResidentMessage, Text: detail, Purpose: session.PurposeClarification}}, nil
	case decisionAmbiguous:
		clarify := "Sorry, was that a yes or a no?"
		m.sess.Enqueue(session.RoleResident, session.Message{Text: clarify, Purpose: session.PurposeClarification})
		return m.sess.State(), []Effect{{Kind: EffectEnqueueResidentMessage, Text: clarify, Purpose: session.PurposeClarification}}, nil
	}

	granted := classifyResidentReply(transcript) == decisionGranted
	result := session.AuthorizationDenied
	if granted {
		result = session.AuthorizationGranted
	}
	if err := m.sess.SetAuthorizationResult(result); err != nil {
		return m.sess.State(), nil, err
	}
	if err := m.sess.TransitionTo(session.StateFinished); err != nil {
		return m.sess.State(), nil, err
	}

	visitorFarewell := "Sorry, the resident is not available to let you in."
	if granted {
		visitorFarewell = "You're all set, please go ahead."
	}
	m.sess.Enqueue(session.RoleVisitor, session.Message{Text: visitorFarewell, Purpose: session.PurposeFarewell})
	m.sess.Enqueue(session.RoleResident, session.Message{Text: "Thank you, goodbye.", Purpose: session.PurposeFarewell})

	return m.sess.State(), []Effect{
		{Kind: EffectEnqueueVisitorMessage, Text: visitorFarewell, Purpose: session.PurposeFarewell},
		{Kind: EffectEnqueueResidentMessage, Text: "Thank you, goodbye.", Purpose: session.PurposeFarewell},
		{Kind: EffectTerminateSession},
	}, nil
}

// residentDecision tags the four classes a resident's reply while
// WAITING_RESIDENT can fall into.
type residentDecision int

const (
	decisionAmbiguous residentDecision = iota
	decisionGranted
	decisionDenied
	decisionInquiry
)

// classifyResidentReply does simple keyword classification over the
// resident's reply. A reply asking who's there or for more detail is
// an Inquiry and should be answered without leaving WAITING_RESIDENT;
// everything else is Authorization, Denial, or Ambiguous.
func classifyResidentReply(transcript string) residentDecision {
	lower := strings.ToLower(transcript)
	if strings.Contains(lower, "who") || strings.Contains(lower, "?") {
		return decisionInquiry
	}
	for _, word := range []string{"yes", "yeah", "yep", "sure", "let them in", "come in"} {
		if strings.Contains(lower, word) {
			return decisionGranted
		}
	}
	for _, word := range []string{"no", "nope", "don't", "do not"} {
		if strings.Contains(lower, word) {
			return decisionDenied
		}
	}
	return decisionAmbiguous
}
