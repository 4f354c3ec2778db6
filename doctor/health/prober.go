package health

import (
	"context"
	"net"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/NahuelNGomez/steam-analyzer-sub000/doctor/common"
	"github.com/NahuelNGomez/steam-analyzer-sub000/doctor/protocol"
)

const (
	DefaultAttempts     = 3
	DefaultProbeTimeout = 3 * time.Second
)

// Checker reports whether the process behind addr answers probes.
type Checker interface {
	Probe(ctx context.Context, addr string) common.HealthStatus
}

// Prober is the failure detector shared by peer and worker supervision. Each
// attempt opens a fresh connection, sends a probe and waits for one byte.
type Prober struct {
	attempts int
	timeout  time.Duration
	pause    time.Duration

	dialer *net.Dialer
	clock  clock.Clock
	l      log15.Logger
}

type Option func(p *Prober)

// WithTimeout bounds the connect and the reply read of every attempt.
func WithTimeout(d time.Duration) Option {
	return func(p *Prober) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithPause sets the wait between two failed attempts.
func WithPause(d time.Duration) Option {
	return func(p *Prober) {
		p.pause = d
	}
}

func WithAttempts(n int) Option {
	return func(p *Prober) {
		if n > 0 {
			p.attempts = n
		}
	}
}

func WithClock(c clock.Clock) Option {
	return func(p *Prober) {
		p.clock = c
	}
}

func WithLogger(l log15.Logger) Option {
	return func(p *Prober) {
		p.l = l
	}
}

func NewProber(opts ...Option) *Prober {
	noopLogger := log15.New()
	noopLogger.SetHandler(log15.DiscardHandler())
	p := &Prober{
		attempts: DefaultAttempts,
		timeout:  DefaultProbeTimeout,
		clock:    clock.RealClock{},
		l:        noopLogger,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.dialer = &net.Dialer{Timeout: p.timeout}
	return p
}

// Probe returns StatusDead once every attempt has failed, or as soon as ctx
// is done.
func (p *Prober) Probe(ctx context.Context, addr string) common.HealthStatus {
	var lastErr error
	for i := 0; i < p.attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return common.StatusDead
			case <-p.clock.After(p.pause):
			}
		}
		err := p.probeOnce(ctx, addr)
		if err == nil {
			return common.StatusAlive
		}
		lastErr = err
		p.l.Debug("probe attempt failed", "addr", addr, "attempt", i+1, "of", p.attempts, "err", err)
	}
	p.l.Info("host did not answer probes", "addr", addr, "attempts", p.attempts, "err", lastErr)
	return common.StatusDead
}

func (p *Prober) probeOnce(ctx context.Context, addr string) error {
	conn, err := p.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrap(err, "dial")
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(p.timeout)); err != nil {
		return errors.Wrap(err, "set deadline")
	}
	if err := protocol.Write(conn, protocol.Probe()); err != nil {
		return err
	}
	alive, err := protocol.ReadProbeReply(conn)
	if err != nil {
		return err
	}
	if !alive {
		return errors.New("host reported itself unhealthy")
	}
	return nil
}
