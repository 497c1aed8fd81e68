// Package extension manages the set of TCP listener pairs (one visitor
// leg, one resident leg) that the intercom service exposes per
// apartment. The set is driven by the building directory rather than
// static configuration: apartments can be added, removed, or have
// their ports changed while the service is running, and the manager
// reconciles its listeners to match on every refresh.
package extension

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/sebas/intercom/services/intercom/api"
	"github.com/sebas/intercom/services/intercom/directory"
	"github.com/sebas/intercom/services/intercom/session"
)

// maxPortScan bounds how far start() will scan forward from a wanted
// port looking for a free one after a bind conflict.
const maxPortScan = 100

// defaultVisitorPort and defaultResidentPort are the listener pair
// started when neither the directory store nor the local snapshot is
// available at startup, kept for compatibility with a bare install.
const (
	defaultVisitorPort  = 8080
	defaultResidentPort = 8081
)

// DirectoryProvider is the subset of directory.Store the manager needs,
// kept as an interface so tests can substitute an in-memory directory.
type DirectoryProvider interface {
	All(ctx context.Context) ([]directory.Entry, error)
}

// Handler is invoked for every accepted connection. apartment and role
// identify which listener accepted it; the handler owns the connection
// from that point on (it is responsible for closing it).
type Handler func(conn net.Conn, apartment string, role session.Role)

type pair struct {
	entry     directory.Entry
	visitorLn net.Listener
	residentLn net.Listener
	cancel    context.CancelFunc
}

// Manager owns the live listener set and reconciles it against the
// directory on Refresh.
type Manager struct {
	directory    DirectoryProvider
	handler      Handler
	snapshotPath string
	logger       *slog.Logger

	mu    sync.Mutex
	pairs map[string]*pair
}

// NewManager constructs a Manager. Call Refresh once at startup to
// populate the initial listener set.
func NewManager(directoryProvider DirectoryProvider, handler Handler, snapshotPath string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		directory:    directoryProvider,
		handler:      handler,
		snapshotPath: snapshotPath,
		logger:       logger,
		pairs:        make(map[string]*pair),
	}
}

// Refresh reconciles the listener set against the directory: starts
// listeners for new or changed entries, stops listeners for entries no
// longer present. If the directory is unreachable, it falls back to
// the last good snapshot written to snapshotPath rather than tearing
// down every listener.
func (m *Manager) Refresh(ctx context.Context) error {
	entries, err := m.directory.All(ctx)
	if err != nil {
		m.logger.Warn("[Extension] directory unreachable, falling back to snapshot", "error", err)
		entries, err = m.loadSnapshot()
		if err != nil {
			m.logger.Warn("[Extension] snapshot unavailable, starting default listener pair for compatibility", "error", err)
			entries = defaultExtensions()
		}
	}

	if err := m.reconcile(ctx, entries); err != nil {
		return err
	}

	if serr := m.writeSnapshot(entries); serr != nil {
		m.logger.Warn("[Extension] failed to persist extensions snapshot", "error", serr)
	}
	return nil
}

func (m *Manager) reconcile(ctx context.Context, entries []directory.Entry) error {
	wanted := make(map[string]directory.Entry, len(entries))
	for _, e := range entries {
		wanted[e.Apartment] = e
	}

	m.mu.Lock()
	var toStop []string
	for apartment, p := range m.pairs {
		e, ok := wanted[apartment]
		if !ok || e.VisitorPort != p.entry.VisitorPort || e.ResidentPort != p.entry.ResidentPort {
			toStop = append(toStop, apartment)
		}
	}
	var toStart []directory.Entry
	for apartment, e := range wanted {
		if p, ok := m.pairs[apartment]; !ok || p.entry.VisitorPort != e.VisitorPort || p.entry.ResidentPort != e.ResidentPort {
			toStart = append(toStart, e)
		}
	}
	m.mu.Unlock()

	for _, apartment := range toStop {
		m.stopLocked(apartment)
	}

	g, gCtx := errgroup.WithContext(ctx)
	for _, entry := range toStart {
		entry := entry
		g.Go(func() error {
			return m.start(gCtx, entry)
		})
	}
	return g.Wait()
}

func (m *Manager) start(ctx context.Context, entry directory.Entry) error {
	visitorLn, visitorPort, err := m.listenWithFallback(entry.VisitorPort, entry.Apartment, "visitor")
	if err != nil {
		return fmt.Errorf("extension: listen visitor port for %s: %w", entry.Apartment, err)
	}
	residentLn, residentPort, err := m.listenWithFallback(entry.ResidentPort, entry.Apartment, "resident")
	if err != nil {
		visitorLn.Close()
		return fmt.Errorf("extension: listen resident port for %s: %w", entry.Apartment, err)
	}
	entry.VisitorPort = visitorPort
	entry.ResidentPort = residentPort

	lnCtx, cancel := context.WithCancel(context.Background())
	p := &pair{entry: entry, visitorLn: visitorLn, residentLn: residentLn, cancel: cancel}

	m.mu.Lock()
	m.pairs[entry.Apartment] = p
	m.mu.Unlock()

	go m.acceptLoop(lnCtx, visitorLn, entry.Apartment, session.RoleVisitor)
	go m.acceptLoop(lnCtx, residentLn, entry.Apartment, session.RoleResident)

	m.logger.Info("[Extension] started listener pair",
		"apartment", entry.Apartment, "visitorPort", entry.VisitorPort, "residentPort", entry.ResidentPort)
	return nil
}

// listenWithFallback binds port, and on a conflict scans forward up to
// maxPortScan ports for a free one, logging the substitution.
func (m *Manager) listenWithFallback(port int, apartment, role string) (net.Listener, int, error) {
	for offset := 0; offset <= maxPortScan; offset++ {
		candidate := port + offset
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", candidate))
		if err == nil {
			if offset > 0 {
				m.logger.Warn("[Extension] port in use, substituted next free port",
					"apartment", apartment, "role", role, "wanted", port, "bound", candidate)
			}
			return ln, candidate, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, 0, err
		}
	}
	return nil, 0, fmt.Errorf("no free port found within %d of %d", maxPortScan, port)
}

// defaultExtensions returns the single compatibility listener pair
// started when neither the directory store nor the local snapshot can
// be consulted.
func defaultExtensions() []directory.Entry {
	return []directory.Entry{
		{Apartment: "default", VisitorPort: defaultVisitorPort, ResidentPort: defaultResidentPort},
	}
}

func (m *Manager) acceptLoop(ctx context.Context, ln net.Listener, apartment string, role session.Role) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				m.logger.Warn("[Extension] accept failed", "apartment", apartment, "role", role, "error", err)
				return
			}
		}
		go m.handler(conn, apartment, role)
	}
}

func (m *Manager) stopLocked(apartment string) {
	m.mu.Lock()
	p, ok := m.pairs[apartment]
	if ok {
		delete(m.pairs, apartment)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	p.cancel()
	p.visitorLn.Close()
	p.residentLn.Close()
	m.logger.Info("[Extension] stopped listener pair", "apartment", apartment)
}

// Restart stops and restarts the listener pair for a single apartment,
// re-reading its current port assignment from the directory.
func (m *Manager) Restart(ctx context.Context, apartment string) error {
	entries, err := m.directory.All(ctx)
	if err != nil {
		return fmt.Errorf("extension: restart %s: %w", apartment, err)
	}
	for _, e := range entries {
		if e.Apartment == apartment {
			m.stopLocked(apartment)
			return m.start(ctx, e)
		}
	}
	return fmt.Errorf("extension: restart %s: apartment not found in directory", apartment)
}

// Snapshot reports the current listener set for the management API.
func (m *Manager) Snapshot() []api.ExtensionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	statuses := make([]api.ExtensionStatus, 0, len(m.pairs))
	for apartment, p := range m.pairs {
		statuses = append(statuses, api.ExtensionStatus{
			Apartment:    apartment,
			VisitorPort:  p.entry.VisitorPort,
			ResidentPort: p.entry.ResidentPort,
			Running:      true,
		})
	}
	return statuses
}

// Close stops every listener.
func (m *Manager) Close() {
	m.mu.Lock()
	apartments := make([]string, 0, len(m.pairs))
	for apartment := range m.pairs {
		apartments = append(apartments, apartment)
	}
	m.mu.Unlock()

	for _, apartment := range apartments {
		m.stopLocked(apartment)
	}
}

func (m *Manager) writeSnapshot(entries []directory.Entry) error {
	if m.snapshotPath == "" {
		return nil
	}
	payload, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, m.snapshotPath)
}

func (m *Manager) loadSnapshot() ([]directory.Entry, error) {
	if m.snapshotPath == "" {
		return nil, fmt.Errorf("extension: no snapshot path configured")
	}
	raw, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		return nil, err
	}
	var entries []directory.Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("extension: malformed snapshot: %w", err)
	}
	return entries, nil
}
