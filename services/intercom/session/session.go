// Package session implements the process-wide mapping from CallId to
// Session shared by a visitor leg and its resident leg.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sebas/intercom/services/intercom/callid"
)

// State is the conversation's position in the partial order
// COLLECTING -> VALIDATED -> CALLING -> CALL_IN_PROGRESS ->
// WAITING_RESIDENT -> FINISHED (abort from any state goes to FINISHED).
type State int

const (
	StateCollecting State = iota
	StateValidated
	StateCalling
	StateCallInProgress
	StateWaitingResident
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateCollecting:
		return "COLLECTING"
	case StateValidated:
		return "VALIDATED"
	case StateCalling:
		return "CALLING"
	case StateCallInProgress:
		return "CALL_IN_PROGRESS"
	case StateWaitingResident:
		return "WAITING_RESIDENT"
	case StateFinished:
		return "FINISHED"
	default:
		return "UNKNOWN"
	}
}

// AuthorizationResult records the resident's decision. Set at most once.
type AuthorizationResult int

const (
	AuthorizationUnset AuthorizationResult = iota
	AuthorizationGranted
	AuthorizationDenied
)

func (a AuthorizationResult) String() string {
	switch a {
	case AuthorizationGranted:
		return "authorized"
	case AuthorizationDenied:
		return "denied"
	default:
		return "unset"
	}
}

// Role identifies which leg a turn or queued message belongs to.
type Role string

const (
	RoleVisitor  Role = "visitor"
	RoleResident Role = "resident"
	RoleSystem   Role = "system"
)

// Intent accumulates the fields extracted from the visitor's speech.
// All fields may be empty until progressively filled by the state
// machine's calls into IntentExtractor.
type Intent struct {
	IntentType         string
	VisitorName        string
	Apartment          string
	ResidentName       string
	ResidentVoipNumber string
}

// Complete reports whether all four collection-stage fields are filled.
func (i Intent) Complete() bool {
	return i.IntentType != "" && i.VisitorName != "" && i.Apartment != "" && i.ResidentName != ""
}

// Turn is one entry in a session's conversation history.
type Turn struct {
	Role Role
	Text string
}

// Purpose tags an outbound queued message for logging/testing.
type Purpose string

const (
	PurposeGreeting      Purpose = "greeting"
	PurposeClarification Purpose = "clarification"
	PurposePrompt        Purpose = "prompt"
	PurposeApology       Purpose = "apology"
	PurposeFarewell      Purpose = "farewell"
)

// Message is one entry in a leg's outbound text queue.
type Message struct {
	Text    string
	Role    Role
	Purpose Purpose
}

// ConnHandle is a weak, string-keyed reference to a leg's connection,
// resolved through the resource manager's connection registry rather
// than held directly. This breaks the session/leg-handler/connection
// reference cycle.
type ConnHandle struct {
	CallID callid.CallId
	Role   Role
}

// latch is a set-once boolean: once true, it is never cleared.
type latch struct {
	flag atomic.Bool
}

func (l *latch) Set() { l.flag.Store(true) }
func (l *latch) Get() bool { return l.flag.Load() }

// Session is the shared mutable state of one conversation. Its fields
// are owned by the conversation state machine (services/intercom/conversation);
// leg handlers only attach their connection handle, dequeue from their
// own outbound queue, refresh activity, and set the termination latches.
type Session struct {
	CallID callid.CallId

	mu                  sync.Mutex
	state               State
	intent              Intent
	history             []Turn
	visitorQueue        []Message
	residentQueue       []Message
	authorizationResult AuthorizationResult
	authorizationSet    bool

	TerminateVisitor latch
	TerminateResident latch
	terminateCause    string

	resourceAdmitted atomic.Bool
	resourceReleased atomic.Bool

	VisitorConn *ConnHandle
	ResidentConn *ConnHandle

	CreatedAt    time.Time
	lastActivity atomic.Int64 // unix nanos
}

// New creates a fresh session in the COLLECTING state.
func New(id callid.CallId) *Session {
	s := &Session{
		CallID:    id,
		state:     StateCollecting,
		CreatedAt: time.Now(),
	}
	s.Touch()
	return s
}

// Touch records activity for idle-watchdog purposes.
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the last recorded activity time.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// State returns the current state under lock.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// advanceOrder defines the only legal forward transitions; FINISHED is
// reachable from any state as an abort path.
var advanceOrder = map[State]State{
	StateCollecting:      StateValidated,
	StateValidated:       StateCalling,
	StateCalling:         StateCallInProgress,
	StateCallInProgress:  StateWaitingResident,
	StateWaitingResident: StateFinished,
}

// TransitionTo advances state, enforcing the partial order invariant
// (no backward transitions except the universal abort to FINISHED).
func (s *Session) TransitionTo(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if next == StateFinished {
		s.state = StateFinished
		return nil
	}
	if advanceOrder[s.state] != next {
		return &InvariantError{Op: "TransitionTo", Detail: "illegal state transition " + s.state.String() + " -> " + next.String()}
	}
	s.state = next
	return nil
}

// Intent returns a copy of the current intent.
func (s *Session) Intent() Intent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intent
}

// MergeIntent fills in empty fields of the session's intent from partial.
// Non-empty existing fields are never overwritten.
func (s *Session) MergeIntent(partial Intent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.intent.IntentType == "" {
		s.intent.IntentType = partial.IntentType
	}
	if s.intent.VisitorName == "" {
		s.intent.VisitorName = partial.VisitorName
	}
	if s.intent.Apartment == "" {
		s.intent.Apartment = partial.Apartment
	}
	if s.intent.ResidentName == "" {
		s.intent.ResidentName = partial.ResidentName
	}
	if s.intent.ResidentVoipNumber == "" {
		s.intent.ResidentVoipNumber = partial.ResidentVoipNumber
	}
}

// SetAuthorizationResult sets the resident's decision. Calling it
// twice for the same session is an invariant violation.
func (s *Session) SetAuthorizationResult(r AuthorizationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authorizationSet {
		return &InvariantError{Op: "SetAuthorizationResult", Detail: "authorizationResult already set"}
	}
	s.authorizationResult = r
	s.authorizationSet = true
	return nil
}

// AuthorizationResult returns the current (possibly unset) decision.
func (s *Session) AuthorizationResult() AuthorizationResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authorizationResult
}

// AppendHistory records a turn regardless of whether it drove a state
// transition: an utterance ignored by the current state still appends
// to history.
func (s *Session) AppendHistory(role Role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, Turn{Role: role, Text: text})
}

// History returns a copy of the turn history.
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.history))
	copy(out, s.history)
	return out
}

// Enqueue appends a message to the named leg's outbound queue. Queues
// are unbounded by design.
func (s *Session) Enqueue(role Role, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch role {
	case RoleVisitor:
		s.visitorQueue = append(s.visitorQueue, msg)
	case RoleResident:
		s.residentQueue = append(s.residentQueue, msg)
	}
}

// Dequeue pops the next message for role, if any.
func (s *Session) Dequeue(role Role) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch role {
	case RoleVisitor:
		if len(s.visitorQueue) == 0 {
			return Message{}, false
		}
		m := s.visitorQueue[0]
		s.visitorQueue = s.visitorQueue[1:]
		return m, true
	case RoleResident:
		if len(s.residentQueue) == 0 {
			return Message{}, false
		}
		m := s.residentQueue[0]
		s.residentQueue = s.residentQueue[1:]
		return m, true
	default:
		return Message{}, false
	}
}

// Terminate sets both legs' termination latches. Idempotent.
func (s *Session) Terminate() {
	s.TerminateWithCause("")
}

// TerminateWithCause sets both legs' termination latches and records
// cause for later inspection (e.g. by the management API or logging).
// Only the first cause recorded is kept.
func (s *Session) TerminateWithCause(cause string) {
	s.mu.Lock()
	if s.terminateCause == "" {
		s.terminateCause = cause
	}
	s.mu.Unlock()
	s.TerminateVisitor.Set()
	s.TerminateResident.Set()
}

// TerminateCause returns the cause passed to the first TerminateWithCause
// call, or "" if the session was ended via plain Terminate or is still
// active.
func (s *Session) TerminateCause() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminateCause
}

// MarkResourceAdmitted records that the resource manager's active-session
// slot was successfully reserved for this session, so ReleaseResourceOnce
// knows there is something to release.
func (s *Session) MarkResourceAdmitted() {
	s.resourceAdmitted.Store(true)
}

// ReleaseResourceOnce reports whether the caller is the first (and only)
// one responsible for releasing the session's resource-manager slot.
// Whichever leg's connection closes first gets true; the other gets
// false. Returns false outright if the slot was never admitted.
func (s *Session) ReleaseResourceOnce() bool {
	if !s.resourceAdmitted.Load() {
		return false
	}
	return !s.resourceReleased.Swap(true)
}

// InvariantError reports a violated session invariant, fatal for the
// session.
type InvariantError struct {
	Op     string
	Detail string
}

func (e *InvariantError) Error() string {
	return "session: invariant violation in " + e.Op + ": " + e.Detail
}
