// Package orchestrator drives the outbound leg of a call: once a
// session has a validated, complete intent, it publishes a
// click-to-call request on the bus and waits for the resident leg to
// either connect (confirmed by the PBX dialing back into the resident
// AudioSocket listener) or time out.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sebas/intercom/services/intercom/bus"
	"github.com/sebas/intercom/services/intercom/callid"
	"github.com/sebas/intercom/services/intercom/session"
)

// ErrNoResidentNumber is returned when Originate is called with an
// intent missing a resolved resident VoIP number.
var ErrNoResidentNumber = errors.New("orchestrator: resident has no VoIP number on file")

// ErrDialTimeout is returned when the resident leg never connects
// within Config.AttemptTimeout of the final publish.
var ErrDialTimeout = errors.New("orchestrator: resident did not answer within dial timeout")

// Config holds the orchestrator's tunables.
type Config struct {
	// MaxAttempts bounds how many times Originate republishes the
	// click-to-call request before giving up.
	MaxAttempts int
	// AttemptTimeout bounds how long a single attempt waits for the
	// resident leg to connect before republishing.
	AttemptTimeout time.Duration
}

// DefaultConfig returns the standard attempt count and per-attempt
// dial timeout.
func DefaultConfig() Config {
	return Config{MaxAttempts: 2, AttemptTimeout: 10 * time.Second}
}

// pending tracks one outstanding originate attempt awaiting the
// resident leg's connection.
type pending struct {
	done chan struct{}
}

// Originator publishes click-to-call requests and correlates the
// eventual resident connection back to the originating session.
type Originator struct {
	cfg       Config
	publisher bus.Publisher
	logger    *slog.Logger

	mu      sync.Mutex
	waiting map[string]*pending // CallId string -> pending
}

// New constructs an Originator over the given click-to-call Publisher.
func New(cfg Config, publisher bus.Publisher, logger *slog.Logger) *Originator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Originator{
		cfg:       cfg,
		publisher: publisher,
		logger:    logger,
		waiting:   make(map[string]*pending),
	}
}

// Originate publishes a click-to-call request for sess and blocks
// until the resident leg connects (see NotifyResidentConnected) or all
// attempts are exhausted. Each attempt is bounded by AttemptTimeout; on
// an attempt's timeout, Originate republishes the request and starts a
// fresh attempt, up to MaxAttempts total. "unable to reach resident"
// (ErrDialTimeout) is only returned once the final attempt has timed
// out. The caller is responsible for transitioning sess to CALLING
// before calling this; the move to CALL_IN_PROGRESS is made by the
// resident leg's own handler when that leg connects.
func (o *Originator) Originate(ctx context.Context, sess *session.Session) error {
	intent := sess.Intent()
	if intent.ResidentVoipNumber == "" {
		return ErrNoResidentNumber
	}

	p := &pending{done: make(chan struct{})}
	key := sess.CallID.String()

	o.mu.Lock()
	o.waiting[key] = p
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.waiting, key)
		o.mu.Unlock()
	}()

	req := bus.ClickToCallRequest{
		Guid:               sess.CallID.String(),
		ResidentVoipNumber: intent.ResidentVoipNumber,
		VisitorName:        intent.VisitorName,
		Apartment:          intent.Apartment,
	}

	maxAttempts := o.cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		o.logger.Info("[Orchestrator] publishing click-to-call",
			"call_id", req.Guid, "resident", req.ResidentVoipNumber, "attempt", attempt, "max_attempts", maxAttempts)

		if err := o.publisher.Publish(ctx, req); err != nil {
			return fmt.Errorf("orchestrator: publish click-to-call: %w", err)
		}

		timer := time.NewTimer(o.cfg.AttemptTimeout)
		select {
		case <-p.done:
			timer.Stop()
			o.logger.Info("[Orchestrator] resident leg connected", "call_id", req.Guid, "attempt", attempt)
			return nil
		case <-timer.C:
			o.logger.Warn("[Orchestrator] attempt timed out, retrying", "call_id", req.Guid, "attempt", attempt)
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	o.logger.Warn("[Orchestrator] unable to reach resident after all attempts", "call_id", req.Guid, "attempts", maxAttempts)
	return ErrDialTimeout
}

// NotifyResidentConnected is called by the leg handler when a
// resident-port AudioSocket connection arrives carrying id.
// It wakes any Originate call waiting on that CallId. If no originate
// is currently waiting (e.g. a stray or duplicate connection), it is a
// no-op and the caller should treat the connection as unsolicited.
func (o *Originator) NotifyResidentConnected(id callid.CallId) bool {
	o.mu.Lock()
	p, ok := o.waiting[id.String()]
	if ok {
		delete(o.waiting, id.String())
	}
	o.mu.Unlock()
	if !ok {
		return false
	}
	close(p.done)
	return true
}
