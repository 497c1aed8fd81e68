// Package resources enforces the process-wide concurrency and load
// caps for the intercom service: bounded transcription/synthesis
// concurrency, a cap on active sessions, adaptive outbound pacing
// under load, and a weak registry of leg connections so the session
// package never holds a live net.Conn directly.
package resources

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/sebas/intercom/services/intercom/callid"
	"github.com/sebas/intercom/services/intercom/session"
)

// Config holds the resource manager's caps and thresholds.
type Config struct {
	MaxConcurrentTranscriptions int64
	MaxConcurrentSyntheses      int64
	MaxActiveSessions           int

	// Adaptive pacing: when ActiveSessions() > ThrottleActiveSessions
	// and CPUPercent() > ThrottleCPUPercent, TransmissionDelay is
	// multiplied by ThrottleMultiplier.
	ThrottleActiveSessions int
	ThrottleCPUPercent     float64
	ThrottleMultiplier     float64
	BaseTransmissionDelay  time.Duration
}

// DefaultConfig returns the standard caps and thresholds.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTranscriptions: 8,
		MaxConcurrentSyntheses:      8,
		MaxActiveSessions:           3,
		ThrottleActiveSessions:      3,
		ThrottleCPUPercent:          85,
		ThrottleMultiplier:          1.5,
		BaseTransmissionDelay:       20 * time.Millisecond,
	}
}

// CPUSampler reports current system CPU utilization as a percentage
// (0-100). Implemented separately so tests can substitute a fixed
// value instead of sampling the real machine.
type CPUSampler interface {
	CPUPercent() float64
}

// Manager owns the semaphores, session admission limiter, and
// connection registry shared across every active session.
type Manager struct {
	cfg Config

	transcriptionSem *semaphore.Weighted
	synthesisSem     *semaphore.Weighted

	cpu CPUSampler

	mu            sync.Mutex
	activeCount   int
	connections   map[string]*session.ConnHandle
	logger        *slog.Logger
	metrics       *Metrics

	paceLimiter *rate.Limiter
}

// New constructs a Manager. cpu may be nil, in which case the adaptive
// throttle evaluates CPU load as 0, so it never triggers while
// ThrottleCPUPercent is 0 or more. Metrics come from DefaultMetrics();
// WithMetrics(nil) disables instrumentation.
func New(cfg Config, cpu CPUSampler, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:              cfg,
		transcriptionSem: semaphore.NewWeighted(cfg.MaxConcurrentTranscriptions),
		synthesisSem:     semaphore.NewWeighted(cfg.MaxConcurrentSyntheses),
		cpu:              cpu,
		connections:      make(map[string]*session.ConnHandle),
		logger:           logger,
		metrics:          DefaultMetrics(),
		paceLimiter:      rate.NewLimiter(rate.Every(cfg.BaseTransmissionDelay), 1),
	}
}

// WithMetrics replaces the manager's instrument set, overriding the
// one NewMetrics built against the global MeterProvider at
// construction time. Pass nil to disable metrics recording.
func (m *Manager) WithMetrics(metrics *Metrics) *Manager {
	m.metrics = metrics
	return m
}

// AcquireTranscription blocks until a transcription slot is free or ctx
// is canceled.
func (m *Manager) AcquireTranscription(ctx context.Context) error {
	return m.transcriptionSem.Acquire(ctx, 1)
}

// ReleaseTranscription releases a transcription slot.
func (m *Manager) ReleaseTranscription() {
	m.transcriptionSem.Release(1)
}

// AcquireSynthesis blocks until a synthesis slot is free or ctx is
// canceled.
func (m *Manager) AcquireSynthesis(ctx context.Context) error {
	return m.synthesisSem.Acquire(ctx, 1)
}

// ReleaseSynthesis releases a synthesis slot.
func (m *Manager) ReleaseSynthesis() {
	m.synthesisSem.Release(1)
}

// ErrAtCapacity is returned by AdmitSession when MaxActiveSessions
// would be exceeded.
var ErrAtCapacity = fmt.Errorf("resources: at maximum active session capacity")

// AdmitSession reserves a slot for a new session, enforcing
// MaxActiveSessions. Call ReleaseSession when the session ends.
func (m *Manager) AdmitSession() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeCount >= m.cfg.MaxActiveSessions {
		m.metrics.recordRejected()
		return ErrAtCapacity
	}
	m.activeCount++
	m.metrics.recordAdmit()
	return nil
}

// ReleaseSession frees a previously admitted session's slot.
func (m *Manager) ReleaseSession() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.activeCount > 0 {
		m.activeCount--
		m.metrics.recordRelease()
	}
}

// ActiveSessions returns the current admitted session count.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeCount
}

// TransmissionDelay returns the outbound audio pacing delay, scaled by
// ThrottleMultiplier when the system is under load (ActiveSessions
// exceeds ThrottleActiveSessions and CPUPercent exceeds ThrottleCPUPercent).
func (m *Manager) TransmissionDelay() time.Duration {
	active := m.ActiveSessions()
	cpuPct := 0.0
	if m.cpu != nil {
		cpuPct = m.cpu.CPUPercent()
	}

	if active > m.cfg.ThrottleActiveSessions && cpuPct > m.cfg.ThrottleCPUPercent {
		return time.Duration(float64(m.cfg.BaseTransmissionDelay) * m.cfg.ThrottleMultiplier)
	}
	return m.cfg.BaseTransmissionDelay
}

// Pace blocks until it is time to send the next outbound audio frame,
// re-evaluating the adaptive throttle on every call so a mid-call load
// spike slows pacing immediately rather than only at session start.
func (m *Manager) Pace(ctx context.Context) error {
	delay := m.TransmissionDelay()
	m.paceLimiter.SetLimit(rate.Every(delay))
	m.metrics.recordPace(ctx, float64(delay.Microseconds())/1000, delay != m.cfg.BaseTransmissionDelay)
	return m.paceLimiter.Wait(ctx)
}

// RegisterConnection stores a weak handle for a leg's connection,
// keyed by CallId+role so the session struct never needs to embed a
// net.Conn.
func (m *Manager) RegisterConnection(id callid.CallId, role session.Role, handle *session.ConnHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[connKey(id, role)] = handle
}

// UnregisterConnection removes a previously registered handle.
func (m *Manager) UnregisterConnection(id callid.CallId, role session.Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.connections, connKey(id, role))
}

// LookupConnection resolves a weak handle back to its registration, if
// still present.
func (m *Manager) LookupConnection(id callid.CallId, role session.Role) (*session.ConnHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.connections[connKey(id, role)]
	return h, ok
}

func connKey(id callid.CallId, role session.Role) string {
	return id.String() + ":" + string(role)
}
