// Package node runs one doctor: the listener that answers probes and carries
// election traffic, and the leader or follower duties that the election
// hands it.
package node

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/NahuelNGomez/steam-analyzer-sub000/doctor/common"
	"github.com/NahuelNGomez/steam-analyzer-sub000/doctor/election"
	"github.com/NahuelNGomez/steam-analyzer-sub000/doctor/health"
	"github.com/NahuelNGomez/steam-analyzer-sub000/doctor/protocol"
	"github.com/NahuelNGomez/steam-analyzer-sub000/doctor/recovery"
	"github.com/NahuelNGomez/steam-analyzer-sub000/doctor/ring"
)

const (
	DefaultFailureTimeout = 15 * time.Second
	DefaultElectionDelay  = 5 * time.Second
)

// Settings is the static part of a doctor. Everything here comes from
// configuration and never changes while the node runs.
type Settings struct {
	ID            common.PeerID
	Ring          *ring.Ring
	Workers       []string
	ListenAddr    string
	Timeout       time.Duration
	ProbeTimeout  time.Duration
	ElectionDelay time.Duration
}

type Option func(n *Node)

func WithLogger(l log15.Logger) Option {
	return func(n *Node) {
		n.l = l
	}
}

func WithClock(c clock.Clock) Option {
	return func(n *Node) {
		n.clock = c
	}
}

// WithChecker replaces the prober used for leader and worker probes.
func WithChecker(c health.Checker) Option {
	return func(n *Node) {
		n.checker = c
	}
}

func WithRestarter(r recovery.Restarter) Option {
	return func(n *Node) {
		n.restarter = r
	}
}

type Node struct {
	ID          common.PeerID
	Incarnation uuid.UUID

	ring          *ring.Ring
	workers       []string
	listenAddr    string
	timeout       time.Duration
	probeTimeout  time.Duration
	electionDelay time.Duration

	elector   election.Elector
	messenger *ring.Messenger
	checker   health.Checker
	restarter recovery.Restarter
	clock     clock.Clock

	taskMutex          sync.Mutex
	ctx                context.Context
	leaderAnnounceTask *task
	workerHealthTask   *task
	leaderHealthTask   *task

	l log15.Logger
}

func NewNode(s Settings, opts ...Option) *Node {
	if s.Timeout <= 0 {
		s.Timeout = DefaultFailureTimeout
	}
	if s.ProbeTimeout <= 0 {
		s.ProbeTimeout = health.DefaultProbeTimeout
	}
	if s.ElectionDelay < 0 {
		s.ElectionDelay = 0
	}

	n := &Node{
		ID:            s.ID,
		Incarnation:   uuid.New(),
		ring:          s.Ring,
		workers:       append([]string(nil), s.Workers...),
		listenAddr:    s.ListenAddr,
		timeout:       s.Timeout,
		probeTimeout:  s.ProbeTimeout,
		electionDelay: s.ElectionDelay,
		clock:         clock.RealClock{},
		ctx:           context.Background(),
		l:             log15.New(),
	}
	n.l.SetHandler(log15.DiscardHandler())

	for _, opt := range opts {
		opt(n)
	}
	n.l = n.l.New("peer", n.ID, "incarnation", n.Incarnation)

	if n.checker == nil {
		n.checker = health.NewProber(
			health.WithTimeout(n.probeTimeout),
			health.WithPause(n.timeout/10),
			health.WithClock(n.clock),
			health.WithLogger(n.l),
		)
	}
	if n.restarter == nil {
		n.restarter = recovery.NewCommandRestarter(recovery.DefaultCommand, n.l)
	}
	n.messenger = ring.NewMessenger(n.ring, n.ID, n.probeTimeout, n.l.New("component", "messenger"))
	n.elector = election.NewRingElector(n, n.clock, n.l)

	return n
}

// ListenAndServe opens the health port and serves it until ctx is done.
func (n *Node) ListenAndServe(ctx context.Context) error {
	ln, err := listen(ctx, n.listenAddr)
	if err != nil {
		return errors.Wrapf(err, "failed to start listener on %s", n.listenAddr)
	}
	return n.Serve(ctx, ln)
}

// Serve takes ownership of ln. It starts the first election when this is
// peer 0, runs the election watchdog, and returns once ctx is done. Every
// duty started while serving stops with ctx.
func (n *Node) Serve(ctx context.Context, ln net.Listener) error {
	n.taskMutex.Lock()
	n.ctx = ctx
	n.taskMutex.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	n.l.Info("doctor started", "addr", ln.Addr(), "ring", n.ring.Size(), "workers", len(n.workers))

	go n.startFirstElection(ctx)
	go n.watchElection(ctx)

	n.acceptConnections(ctx, ln)

	n.stopDuties()
	n.l.Info("doctor stopped")
	return nil
}

func (n *Node) acceptConnections(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || strings.Contains(err.Error(), "use of closed network connection") {
				return
			}
			n.l.Error("failed to accept connection", "err", err)
			continue
		}
		go n.handleConnection(ctx, conn)
	}
}

func (n *Node) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	if err := conn.SetDeadline(time.Now().Add(n.probeTimeout)); err != nil {
		n.l.Warn("dropping connection", "remote", conn.RemoteAddr(), "err", errors.Wrap(err, "set deadline"))
		return
	}

	kind, err := protocol.ReadKind(conn)
	if err != nil {
		n.l.Warn("dropping connection", "remote", conn.RemoteAddr(), "err", err)
		return
	}

	if kind == protocol.KindProbe {
		if err := protocol.WriteProbeReply(conn, n.Healthy()); err != nil {
			n.l.Debug("failed to answer probe", "remote", conn.RemoteAddr(), "err", err)
		}
		return
	}

	msg, err := protocol.ReadPayload(conn, kind)
	if err != nil {
		n.l.Warn("dropping election message", "remote", conn.RemoteAddr(), "kind", kind, "err", err)
		return
	}
	conn.Close()

	if !n.ring.Contains(msg.ID) {
		n.l.Warn("dropping election message for a peer outside the ring", "remote", conn.RemoteAddr(), "msg", msg, "ring", n.ring.Size())
		return
	}
	if err := n.elector.HandleMessage(ctx, msg); err != nil {
		n.l.Warn("failed to handle election message", "msg", msg, "err", err)
	}
}

// Healthy is the answer to a probe. A leader whose worker supervision loop
// died reports itself unhealthy so that followers replace it.
func (n *Node) Healthy() bool {
	if !n.elector.IsLeader() {
		return true
	}
	n.taskMutex.Lock()
	defer n.taskMutex.Unlock()
	return n.workerHealthTask.Alive()
}

func (n *Node) startFirstElection(ctx context.Context) {
	if n.ID != 0 {
		return
	}
	if !n.sleep(ctx, n.electionDelay) {
		return
	}
	n.elector.Start(ctx)
}

// watchElection restarts the election when this peer has been stuck without
// a leader for too long, either because its vote got lost with a dead peer
// or because nobody ever opened an election.
func (n *Node) watchElection(ctx context.Context) {
	maxAge := 2*n.timeout + n.electionDelay
	for n.sleep(ctx, n.timeout) {
		if !n.elector.Stalled(maxAge) {
			continue
		}
		n.l.Warn("election stalled, starting a new one")
		if err := n.elector.StartElection(ctx); err != nil {
			n.l.Warn("failed to restart election", "err", err)
		}
	}
}

// sleep waits d on the node clock. It returns false when ctx ended first.
func (n *Node) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-n.clock.After(d):
		return true
	}
}

// ForceElection opens an election from this peer regardless of what it
// currently believes about the leader.
func (n *Node) ForceElection(_ context.Context) error {
	return n.elector.StartElection(n.baseContext())
}

// baseContext is the context of the running Serve call. Work that must
// outlive the task that started it hangs off it.
func (n *Node) baseContext() context.Context {
	n.taskMutex.Lock()
	defer n.taskMutex.Unlock()
	return n.ctx
}

func (n *Node) Elector() election.Elector {
	return n.elector
}

func (n *Node) Addr() string {
	return n.ring.Member(n.ID).Addr
}

// Snapshot reports the current role and task state.
func (n *Node) Snapshot() common.NodeInfo {
	leader, hasLeader := n.elector.Leader()
	info := common.NodeInfo{
		ID:            n.ID,
		Addr:          n.Addr(),
		LeaderID:      leader,
		HasLeader:     hasLeader,
		Participating: n.elector.Participating(),
	}

	n.taskMutex.Lock()
	info.WorkerLoop = n.workerHealthTask.Alive()
	info.AnnounceLoop = n.leaderAnnounceTask.Alive()
	info.LeaderLoop = n.leaderHealthTask.Alive()
	n.taskMutex.Unlock()

	switch {
	case hasLeader && leader == n.ID:
		info.Role = common.RoleLeader
	case info.Participating:
		info.Role = common.RoleCandidate
	case hasLeader:
		info.Role = common.RoleFollower
	default:
		info.Role = common.RoleIdle
	}
	return info
}
