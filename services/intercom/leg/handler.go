// Package leg owns the per-connection actor that handles one AudioSocket
// TCP connection: decoding frames, driving a voice-activity detector,
// calling out to transcription/synthesis/intent-extraction, and feeding
// the conversation state machine. One Handler serves every accepted
// connection; each call to Handle runs until the peer hangs up, the
// session is terminated, or the connection errors out.
package leg

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/sebas/intercom/services/intercom/callid"
	"github.com/sebas/intercom/services/intercom/capability"
	"github.com/sebas/intercom/services/intercom/conversation"
	"github.com/sebas/intercom/services/intercom/frame"
	"github.com/sebas/intercom/services/intercom/session"
	"github.com/sebas/intercom/services/intercom/vad"
)

// ResourceManager is the subset of resources.Manager a leg handler
// needs, kept as an interface so tests can substitute an unbounded fake.
type ResourceManager interface {
	AcquireTranscription(ctx context.Context) error
	ReleaseTranscription()
	AcquireSynthesis(ctx context.Context) error
	ReleaseSynthesis()
	Pace(ctx context.Context) error
	RegisterConnection(id callid.CallId, role session.Role, handle *session.ConnHandle)
	UnregisterConnection(id callid.CallId, role session.Role)
	AdmitSession() error
	ReleaseSession()
}

// Originator is the subset of orchestrator.Originator a leg handler
// needs to start the outbound call and learn when the resident answers.
type Originator interface {
	Originate(ctx context.Context, sess *session.Session) error
	NotifyResidentConnected(id callid.CallId) bool
}

// Directory resolves apartment lookups for the conversation state
// machine; satisfied structurally by *directory.Store.
type Directory interface {
	LookupApartment(ctx context.Context, apartment string) (residentName, voipNumber string, ok bool)
}

// Config holds the per-leg tunables.
type Config struct {
	VAD                     vad.Config
	UseStreamingRecognizer  bool
	StreamingSegmentTimeout time.Duration
	DeadlockWatchdogTimeout time.Duration
	Voice                   string
	SendQueuePollInterval   time.Duration

	// Idle and absolute timeouts, each ending the leg with cause
	// "timeout". Zero disables the corresponding check.
	SilenceThreshold   time.Duration // visitor leg idle timeout, default 1.5s
	ResidentMaxSilence time.Duration // resident leg idle timeout, default 45s
	MaxTransactionTime time.Duration // absolute cap on a leg's lifetime, default 60s

	// PostAudioDelay is how long the Send subtask waits after the last
	// outbound frame before resuming VAD admission.
	PostAudioDelay time.Duration // default 300ms
	// DiscardBufferFrames is how many incoming frames are dropped after
	// PostAudioDelay elapses, absorbing line echo tail.
	DiscardBufferFrames int // default 15
}

// DefaultConfig returns the stated defaults for a leg's audio pipeline.
func DefaultConfig() Config {
	return Config{
		VAD:                     vad.DefaultConfig(),
		DeadlockWatchdogTimeout: 10 * time.Second,
		Voice:                   "default",
		SendQueuePollInterval:   50 * time.Millisecond,
		SilenceThreshold:        1500 * time.Millisecond,
		ResidentMaxSilence:      45 * time.Second,
		MaxTransactionTime:      60 * time.Second,
		PostAudioDelay:          300 * time.Millisecond,
		DiscardBufferFrames:     15,
	}
}

// Deps bundles every collaborator a Handler needs to drive a session.
type Deps struct {
	Registry     *session.Registry
	Resources    ResourceManager
	Transcriber  capability.Transcriber
	Synthesizer  capability.Synthesizer
	Extractor    capability.IntentExtractor
	Directory    Directory
	Originator   Originator
	Policy       conversation.Policy
	Config       Config
	Logger       *slog.Logger
}

// Handler drives one accepted AudioSocket connection.
type Handler struct {
	deps Deps
}

// NewHandler constructs a Handler. Its Handle method satisfies the
// extension.Handler signature and can be passed directly to
// extension.NewManager.
func NewHandler(deps Deps) *Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Handler{deps: deps}
}

// Handle processes one accepted connection end to end. It never returns
// an error to the caller: all failures are logged and the connection is
// closed, matching the extension manager's fire-and-forget Handler
// signature.
func (h *Handler) Handle(conn net.Conn, apartment string, role session.Role) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	first, err := frame.Decode(reader)
	if err != nil {
		h.deps.Logger.Warn("[Leg] failed to read opening frame", "apartment", apartment, "role", role, "error", err)
		return
	}
	if first.Kind != frame.KindID {
		h.deps.Logger.Warn("[Leg] connection did not open with an ID frame", "apartment", apartment, "role", role, "kind", first.Kind)
		return
	}
	id, err := callid.FromWire(first.Payload)
	if err != nil {
		h.deps.Logger.Warn("[Leg] malformed call id", "apartment", apartment, "role", role, "error", err)
		return
	}

	sess, created := h.deps.Registry.GetOrCreate(id)
	logger := h.deps.Logger.With("callId", id.String(), "apartment", apartment, "role", role)

	if created {
		if err := h.deps.Resources.AdmitSession(); err != nil {
			logger.Warn("[Leg] session rejected at capacity", "error", err)
			return
		}
		sess.MarkResourceAdmitted()
	}
	defer func() {
		if sess.ReleaseResourceOnce() {
			h.deps.Resources.ReleaseSession()
		}
	}()

	handle := &session.ConnHandle{CallID: id, Role: role}
	h.deps.Resources.RegisterConnection(id, role, handle)
	defer h.deps.Resources.UnregisterConnection(id, role)

	switch role {
	case session.RoleVisitor:
		sess.VisitorConn = handle
	case session.RoleResident:
		sess.ResidentConn = handle
	}

	machine := conversation.New(sess, h.deps.Extractor, h.deps.Directory, h.deps.Policy, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// frame.Decode blocks on the raw connection with no context
	// awareness, so a cancellation (termination, idle timeout, watchdog)
	// has to close the connection directly to unblock the receive loop.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	if role == session.RoleResident {
		h.deps.Originator.NotifyResidentConnected(id)
		if _, effects, err := machine.Step(ctx, conversation.Event{Kind: conversation.EventResidentConnected}); err != nil {
			logger.Warn("[Leg] resident-connected transition failed", "error", err)
		} else {
			h.applyEffects(ctx, sess, machine, effects, cancel)
		}
	}
	if created && role == session.RoleVisitor {
		logger.Info("[Leg] new session opened")
	}

	detector := h.newDetector(role)
	discardFrames := &atomic.Int32{}

	go h.sendLoop(ctx, conn, sess, role, detector, discardFrames)
	go h.watchdog(ctx, sess, detector, machine, cancel)
	go h.idleWatchdog(ctx, sess, role, cancel)

	h.receiveLoop(ctx, reader, sess, role, detector, machine, cancel, discardFrames)
}

// idleWatchdog terminates the leg with cause "timeout" if no activity
// is observed for the role's configured idle threshold, or if the
// leg's total lifetime exceeds MaxTransactionTime. Zero-valued
// thresholds disable the corresponding check.
func (h *Handler) idleWatchdog(ctx context.Context, sess *session.Session, role session.Role, cancel context.CancelFunc) {
	legStart := time.Now()
	idleLimit := h.deps.Config.SilenceThreshold
	if role == session.RoleResident {
		idleLimit = h.deps.Config.ResidentMaxSilence
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			if idleLimit > 0 && now.Sub(sess.LastActivity()) >= idleLimit {
				h.deps.Logger.Warn("[Leg] idle timeout", "role", role, "limit", idleLimit)
				sess.TerminateWithCause("timeout")
				cancel()
				return
			}
			if h.deps.Config.MaxTransactionTime > 0 && now.Sub(legStart) >= h.deps.Config.MaxTransactionTime {
				h.deps.Logger.Warn("[Leg] max transaction time exceeded", "role", role)
				sess.TerminateWithCause("timeout")
				cancel()
				return
			}
		}
	}
}

func (h *Handler) newDetector(role session.Role) vad.Detector {
	cfg := h.deps.Config.VAD
	if role == session.RoleResident {
		cfg.RetainShortUtterance = true
	}
	if h.deps.Config.UseStreamingRecognizer {
		return vad.NewStreamingVAD(cfg, h.deps.Config.StreamingSegmentTimeout)
	}
	return vad.NewBasicVAD(cfg)
}

func (h *Handler) receiveLoop(ctx context.Context, reader *bufio.Reader, sess *session.Session, role session.Role, detector vad.Detector, machine *conversation.Machine, cancel context.CancelFunc, discardFrames *atomic.Int32) {
	terminated := func() bool {
		if role == session.RoleVisitor {
			return sess.TerminateVisitor.Get()
		}
		return sess.TerminateResident.Get()
	}

	for {
		if terminated() {
			return
		}

		f, err := frame.Decode(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				h.deps.Logger.Debug("[Leg] read loop ended", "error", err)
			}
			return
		}
		sess.Touch()
		h.deps.Registry.Touch(sess.CallID)

		switch f.Kind {
		case frame.KindHangup:
			sess.Terminate()
			return
		case frame.KindError:
			h.deps.Logger.Warn("[Leg] peer sent ERROR frame")
			sess.Terminate()
			return
		case frame.KindSLIN:
			if discardFrames.Load() > 0 {
				discardFrames.Add(-1)
				continue
			}
			for _, ev := range detector.Feed(f.Payload) {
				if ev.Kind != vad.SpeechEnd {
					continue
				}
				h.handleUtterance(ctx, sess, role, ev.Utterance, machine, cancel)
			}
		}
	}
}

func (h *Handler) handleUtterance(ctx context.Context, sess *session.Session, role session.Role, pcm []byte, machine *conversation.Machine, cancel context.CancelFunc) {
	if err := h.deps.Resources.AcquireTranscription(ctx); err != nil {
		return
	}
	transcript, err := h.deps.Transcriber.Transcribe(ctx, pcm)
	h.deps.Resources.ReleaseTranscription()
	if err != nil {
		h.deps.Logger.Warn("[Leg] transcription failed", "error", err)
		return
	}
	if transcript == "" {
		return
	}

	ev := conversation.Event{Transcript: transcript}
	switch role {
	case session.RoleVisitor:
		ev.Kind = conversation.EventVisitorUtterance
	case session.RoleResident:
		ev.Kind = conversation.EventResidentUtterance
	default:
		return
	}

	_, effects, err := machine.Step(ctx, ev)
	if err != nil {
		h.deps.Logger.Warn("[Leg] conversation step failed", "error", err)
		return
	}
	h.applyEffects(ctx, sess, machine, effects, cancel)
}

func (h *Handler) applyEffects(ctx context.Context, sess *session.Session, machine *conversation.Machine, effects []conversation.Effect, cancel context.CancelFunc) {
	for _, eff := range effects {
		switch eff.Kind {
		case conversation.EffectStartOutboundCall:
			go func() {
				if err := h.deps.Originator.Originate(ctx, sess); err != nil {
					h.deps.Logger.Warn("[Leg] outbound call failed", "error", err)
					_, callFailedEffects, stepErr := machine.Step(ctx, conversation.Event{Kind: conversation.EventCallFailed})
					if stepErr != nil {
						h.deps.Logger.Warn("[Leg] call-failed transition failed", "error", stepErr)
						return
					}
					h.applyEffects(ctx, sess, machine, callFailedEffects, cancel)
				}
			}()
		case conversation.EffectTerminateSession:
			sess.Terminate()
			cancel()
		}
	}
}

func (h *Handler) sendLoop(ctx context.Context, conn net.Conn, sess *session.Session, role session.Role, detector vad.Detector, discardFrames *atomic.Int32) {
	ticker := time.NewTicker(h.deps.Config.SendQueuePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				msg, ok := sess.Dequeue(role)
				if !ok {
					break
				}
				h.sendMessage(ctx, conn, msg, detector, discardFrames)
			}
		}
	}
}

func (h *Handler) sendMessage(ctx context.Context, conn net.Conn, msg session.Message, detector vad.Detector, discardFrames *atomic.Int32) {
	if err := h.deps.Resources.AcquireSynthesis(ctx); err != nil {
		return
	}
	audio, err := h.deps.Synthesizer.Synthesize(ctx, capability.SynthesisRequest{Text: msg.Text, Voice: h.deps.Config.Voice})
	h.deps.Resources.ReleaseSynthesis()
	if err != nil {
		h.deps.Logger.Warn("[Leg] synthesis failed", "error", err, "purpose", msg.Purpose)
		return
	}
	if len(audio) == 0 {
		return
	}

	const frameBytes = 320 // 20ms @ 8kHz mono 16-bit
	for offset := 0; offset < len(audio); offset += frameBytes {
		end := offset + frameBytes
		if end > len(audio) {
			end = len(audio)
		}
		if err := h.deps.Resources.Pace(ctx); err != nil {
			return
		}
		if err := frame.Encode(conn, frame.NewSLIN(audio[offset:end])); err != nil {
			h.deps.Logger.Debug("[Leg] write failed", "error", err)
			return
		}
	}

	h.afterPlayback(ctx, detector, discardFrames)
}

// afterPlayback runs the Send subtask's post-audio housekeeping: wait
// out postAudioDelay so line echo settles, arm the discard buffer so
// the receive loop drops the next discardBufferFrames frames of
// incoming audio, then tell the detector playback finished (which
// resets it and starts its anti-echo guard window).
func (h *Handler) afterPlayback(ctx context.Context, detector vad.Detector, discardFrames *atomic.Int32) {
	if h.deps.Config.PostAudioDelay > 0 {
		select {
		case <-time.After(h.deps.Config.PostAudioDelay):
		case <-ctx.Done():
			return
		}
	}
	if h.deps.Config.DiscardBufferFrames > 0 {
		discardFrames.Store(int32(h.deps.Config.DiscardBufferFrames))
	}
	detector.NotePlaybackFinished(time.Now())
}

func (h *Handler) watchdog(ctx context.Context, sess *session.Session, detector vad.Detector, machine *conversation.Machine, cancel context.CancelFunc) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			if detector.SpeechInProgress() && detector.TimeSinceSpeechStart(now) >= h.deps.Config.DeadlockWatchdogTimeout {
				detector.ForceEnd()
				_, effects, err := machine.Step(ctx, conversation.Event{Kind: conversation.EventWatchdogForced})
				if err != nil {
					h.deps.Logger.Warn("[Leg] watchdog step failed", "error", err)
					continue
				}
				h.applyEffects(ctx, sess, machine, effects, cancel)
			}
		}
	}
}
