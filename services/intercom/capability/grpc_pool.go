package capability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// transcribeMethod and synthesizeMethod are the fixed RPC paths exposed
// by the transcription/synthesis provider behind this pool. Requests
// and responses are carried as the standard library wrapper messages
// (BytesValue/StringValue) rather than a bespoke generated package,
// since the payload on both RPCs is a single scalar.
const (
	transcribeMethod = "/intercom.capability.v1.CapabilityService/Transcribe"
	synthesizeMethod = "/intercom.capability.v1.CapabilityService/Synthesize"
)

// PoolConfig configures a GRPCPool.
type PoolConfig struct {
	Addresses           []string
	ConnectTimeout      time.Duration
	KeepaliveInterval   time.Duration
	KeepaliveTimeout    time.Duration
	HealthCheckInterval time.Duration
	RequestTimeout      time.Duration
}

// DefaultPoolConfig returns sensible defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		ConnectTimeout:      10 * time.Second,
		KeepaliveInterval:   30 * time.Second,
		KeepaliveTimeout:    10 * time.Second,
		HealthCheckInterval: 5 * time.Second,
		RequestTimeout:      8 * time.Second,
	}
}

type poolMember struct {
	address string
	conn    *grpc.ClientConn
	health  grpc_health_v1.HealthClient
	healthy atomic.Bool
}

// GRPCPool is a health-checked, round-robin pool of connections to
// transcription/synthesis providers. It implements both Transcriber
// and Synthesizer: which RPC is invoked depends on which method the
// caller uses.
type GRPCPool struct {
	cfg     PoolConfig
	logger  *slog.Logger
	mu      sync.RWMutex
	members []*poolMember
	next    atomic.Uint64
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewGRPCPool dials every configured address. An address that fails to
// dial is kept in the pool marked unhealthy and retried by the
// background health checker rather than failing the whole pool.
func NewGRPCPool(cfg PoolConfig, logger *slog.Logger) (*GRPCPool, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("capability: no provider addresses configured")
	}
	if logger == nil {
		logger = slog.Default()
	}

	p := &GRPCPool{cfg: cfg, logger: logger, stopCh: make(chan struct{})}

	for _, addr := range cfg.Addresses {
		member := &poolMember{address: addr}
		conn, err := dial(addr, cfg)
		if err != nil {
			logger.Warn("[Capability] failed to dial provider", "address", addr, "error", err)
			member.healthy.Store(false)
		} else {
			member.conn = conn
			member.health = grpc_health_v1.NewHealthClient(conn)
			member.healthy.Store(true)
			logger.Info("[Capability] connected to provider", "address", addr)
		}
		p.members = append(p.members, member)
	}

	p.wg.Add(1)
	go p.healthLoop()

	return p, nil
}

func dial(addr string, cfg PoolConfig) (*grpc.ClientConn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	return grpc.DialContext(ctx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                cfg.KeepaliveInterval,
			Timeout:             cfg.KeepaliveTimeout,
			PermitWithoutStream: true,
		}),
	)
}

func (p *GRPCPool) healthLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.checkAll()
		case <-p.stopCh:
			return
		}
	}
}

func (p *GRPCPool) checkAll() {
	p.mu.RLock()
	members := append([]*poolMember(nil), p.members...)
	p.mu.RUnlock()

	for _, m := range members {
		if m.conn == nil {
			if conn, err := dial(m.address, p.cfg); err == nil {
				m.conn = conn
				m.health = grpc_health_v1.NewHealthClient(conn)
			} else {
				continue
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err := m.health.Check(ctx, &grpc_health_v1.HealthCheckRequest{})
		cancel()
		m.healthy.Store(err == nil)
		if err != nil {
			p.logger.Debug("[Capability] health check failed", "address", m.address, "error", err)
		}
	}
}

func (p *GRPCPool) selectMember() (*poolMember, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	n := len(p.members)
	if n == 0 {
		return nil, fmt.Errorf("capability: pool is empty")
	}
	start := p.next.Add(1)
	for i := 0; i < n; i++ {
		m := p.members[(int(start)+i)%n]
		if m.healthy.Load() && m.conn != nil {
			return m, nil
		}
	}
	return nil, fmt.Errorf("capability: no healthy providers available")
}

// Transcribe implements Transcriber.
func (p *GRPCPool) Transcribe(ctx context.Context, pcm []byte) (string, error) {
	m, err := p.selectMember()
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	req := &wrapperspb.BytesValue{Value: pcm}
	resp := &wrapperspb.StringValue{}
	if err := m.conn.Invoke(ctx, transcribeMethod, req, resp); err != nil {
		return "", fmt.Errorf("capability: transcribe RPC to %s: %w", m.address, err)
	}
	return resp.Value, nil
}

// Synthesize implements Synthesizer.
func (p *GRPCPool) Synthesize(ctx context.Context, req SynthesisRequest) ([]byte, error) {
	m, err := p.selectMember()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	defer cancel()

	wireReq := &wrapperspb.StringValue{Value: req.Voice + "\x00" + req.Text}
	resp := &wrapperspb.BytesValue{}
	if err := m.conn.Invoke(ctx, synthesizeMethod, wireReq, resp); err != nil {
		return nil, fmt.Errorf("capability: synthesize RPC to %s: %w", m.address, err)
	}
	return resp.Value, nil
}

// Close tears down the pool's connections and health checker.
func (p *GRPCPool) Close() error {
	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range p.members {
		if m.conn != nil {
			_ = m.conn.Close()
		}
	}
	return nil
}

var (
	_ Transcriber = (*GRPCPool)(nil)
	_ Synthesizer = (*GRPCPool)(nil)
)
