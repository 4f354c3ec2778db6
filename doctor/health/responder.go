package health

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"

	"github.com/NahuelNGomez/steam-analyzer-sub000/doctor/protocol"
)

// Responder answers probes on the health port of a supervised worker. The
// reply is taken from healthy at the time of each probe.
type Responder struct {
	healthy func() bool
	timeout time.Duration
	l       log15.Logger
}

func NewResponder(l log15.Logger, healthy func() bool) *Responder {
	if healthy == nil {
		healthy = func() bool { return true }
	}
	return &Responder{
		healthy: healthy,
		timeout: DefaultProbeTimeout,
		l:       l,
	}
}

// ListenAndServe listens on addr and serves probes until ctx is done.
func (r *Responder) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}
	return r.Serve(ctx, ln)
}

// Serve takes ownership of ln and closes it when ctx is done.
func (r *Responder) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	r.l.Info("health responder listening", "addr", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || strings.Contains(err.Error(), "use of closed network connection") {
				return nil
			}
			r.l.Error("failed to accept connection", "err", err)
			continue
		}
		go r.handle(conn)
	}
}

func (r *Responder) handle(conn net.Conn) {
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(r.timeout)); err != nil {
		r.l.Warn("dropping connection", "remote", conn.RemoteAddr(), "err", errors.Wrap(err, "set deadline"))
		return
	}

	kind, err := protocol.ReadKind(conn)
	if err != nil {
		r.l.Warn("dropping connection", "remote", conn.RemoteAddr(), "err", err)
		return
	}
	if kind != protocol.KindProbe {
		r.l.Warn("workers only answer probes", "remote", conn.RemoteAddr(), "kind", kind)
		return
	}
	if err := protocol.WriteProbeReply(conn, r.healthy()); err != nil {
		r.l.Warn("failed to answer probe", "remote", conn.RemoteAddr(), "err", err)
	}
}
