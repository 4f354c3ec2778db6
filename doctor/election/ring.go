package election

import (
	"context"
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/NahuelNGomez/steam-analyzer-sub000/doctor/common"
	"github.com/NahuelNGomez/steam-analyzer-sub000/doctor/protocol"
	"github.com/NahuelNGomez/steam-analyzer-sub000/doctor/ring"
)

// RingElector holds the election state of one supervisor.
//
// All inbound election messages are handled one at a time under
// handleMutex, which also guards participating. leaderID sits behind its own
// lock so that probe replies and the duty loops never wait on a forward that
// is dialing an unreachable peer.
type RingElector struct {
	node   NodeCommunicator
	selfID common.PeerID

	handleMutex        sync.Mutex
	participating      bool
	participatingSince time.Time

	leaderMutex     sync.RWMutex
	leaderID        common.PeerID
	hasLeader       bool
	leaderlessSince time.Time

	clock clock.Clock
	l     log15.Logger
}

// NewRingElector measures participation and leaderless time on c.
func NewRingElector(node NodeCommunicator, c clock.Clock, l log15.Logger) *RingElector {
	self := node.GetID()
	return &RingElector{
		node:               node,
		selfID:             self,
		participating:      self == 0,
		participatingSince: c.Now(),
		leaderlessSince:    c.Now(),
		clock:              c,
		l:                  l.New("component", "elector"),
	}
}

func (e *RingElector) setParticipating(v bool) {
	if v && !e.participating {
		e.participatingSince = e.clock.Now()
	}
	e.participating = v
}

// Start begins the first election when this is peer 0. Every other peer
// waits to hear a Vote, Decision or Announce.
func (e *RingElector) Start(ctx context.Context) {
	if e.selfID != 0 {
		return
	}
	if err := e.StartElection(ctx); err != nil {
		e.l.Warn("initial election failed", "err", err)
	}
}

// StartElection puts this peer's own id in circulation.
func (e *RingElector) StartElection(ctx context.Context) error {
	e.handleMutex.Lock()
	defer e.handleMutex.Unlock()

	e.l.Info("starting election")
	e.participating = true
	e.participatingSince = e.clock.Now()
	return e.sendVote(ctx, e.selfID)
}

// sendVote forwards a vote. If nobody else in the ring can be reached while
// the vote carries our own id, the lap is trivially complete and we win.
func (e *RingElector) sendVote(ctx context.Context, candidate common.PeerID) error {
	_, err := e.node.SendToNextAlive(ctx, protocol.Vote(candidate))
	if err == nil {
		return nil
	}
	if errors.Is(err, ring.ErrNoPeerAlive) && candidate == e.selfID {
		e.l.Info("no other peer reachable, taking leadership alone")
		e.becomeLeader()
		return nil
	}
	return errors.Wrapf(err, "failed to forward vote for %d", candidate)
}

func (e *RingElector) HandleMessage(ctx context.Context, msg protocol.Message) error {
	e.handleMutex.Lock()
	defer e.handleMutex.Unlock()

	switch msg.Kind {
	case protocol.KindVote:
		return e.handleVote(ctx, msg.ID)
	case protocol.KindDecision:
		return e.handleDecision(ctx, msg.ID)
	case protocol.KindAnnounce:
		return e.handleAnnounce(ctx, msg.ID)
	}
	return errors.Errorf("elector cannot handle %s", msg)
}

func (e *RingElector) handleVote(ctx context.Context, candidate common.PeerID) error {
	if !e.participating {
		if e.IsLeader() {
			// someone restarted and is voting while we already lead
			e.l.Info("vote received while leading, re-asserting leadership", "candidate", candidate)
			e.node.StartLeaderDuties()
			return e.sendAnnounce(ctx, e.selfID)
		}
		e.setParticipating(true)
		next := max(candidate, e.selfID)
		e.l.Info("joining election", "candidate", candidate, "forwarding", next)
		return e.sendVote(ctx, next)
	}

	switch {
	case candidate == e.selfID:
		e.l.Info("own vote completed the ring, won election")
		if _, err := e.node.SendAround(ctx, protocol.Decision(e.selfID), e.selfID); err != nil {
			e.l.Warn("could not send decision", "err", err)
		}
		e.becomeLeader()
	case candidate > e.selfID:
		e.l.Debug("deferring to higher candidate", "candidate", candidate)
		return e.sendVote(ctx, candidate)
	default:
		e.l.Debug("dropping lower candidate", "candidate", candidate)
	}
	return nil
}

func (e *RingElector) handleDecision(ctx context.Context, leader common.PeerID) error {
	if !e.participating {
		e.l.Debug("dropping decision for resolved election", "leader", leader)
		return nil
	}
	e.setParticipating(false)
	e.setLeader(leader)
	if leader == e.selfID {
		return nil
	}

	e.l.Info("election decided", "leader", leader)
	_, err := e.node.SendAround(ctx, protocol.Decision(leader), leader)
	e.node.StartFollowerDuties(leader)
	if err != nil && !errors.Is(err, ring.ErrCircleComplete) {
		return errors.Wrapf(err, "failed to forward decision for %d", leader)
	}
	return nil
}

func (e *RingElector) handleAnnounce(ctx context.Context, leader common.PeerID) error {
	current, known := e.Leader()
	switch {
	case leader == e.selfID:
		if !known || current != e.selfID {
			e.l.Debug("dropping stale announce of ourselves")
		}
		return nil
	case !known:
		e.l.Info("learned leader from announce", "leader", leader)
		e.setParticipating(false)
		e.setLeader(leader)
		e.node.StartFollowerDuties(leader)
	case current == e.selfID:
		if leader < e.selfID {
			e.l.Warn("dropping announce of lower leader", "leader", leader)
			return nil
		}
		e.l.Warn("stepping down in favour of higher leader", "leader", leader)
		e.setParticipating(false)
		e.setLeader(leader)
		e.node.StartFollowerDuties(leader)
	case current == leader:
		// an election that ran into a live leader is over
		e.setParticipating(false)
	}
	return e.sendAnnounce(ctx, leader)
}

func (e *RingElector) sendAnnounce(ctx context.Context, leader common.PeerID) error {
	_, err := e.node.SendAround(ctx, protocol.Announce(leader), leader)
	if err == nil || errors.Is(err, ring.ErrCircleComplete) {
		return nil
	}
	return errors.Wrapf(err, "failed to forward announce for %d", leader)
}

func (e *RingElector) becomeLeader() {
	e.setParticipating(false)
	e.setLeader(e.selfID)
	e.node.StartLeaderDuties()
}

func (e *RingElector) setLeader(id common.PeerID) {
	e.leaderMutex.Lock()
	defer e.leaderMutex.Unlock()
	e.leaderID = id
	e.hasLeader = true
}

// Leader returns the peer currently believed to lead, if any.
func (e *RingElector) Leader() (common.PeerID, bool) {
	e.leaderMutex.RLock()
	defer e.leaderMutex.RUnlock()
	return e.leaderID, e.hasLeader
}

func (e *RingElector) IsLeader() bool {
	leader, ok := e.Leader()
	return ok && leader == e.selfID
}

// ClearLeader forgets the current leader.
func (e *RingElector) ClearLeader() {
	e.leaderMutex.Lock()
	defer e.leaderMutex.Unlock()
	if e.hasLeader {
		e.leaderlessSince = e.clock.Now()
	}
	e.hasLeader = false
}

// ForgetLeader clears the leader only if it is still id, so a follower that
// found id dead does not erase a newer leader learned in the meantime.
func (e *RingElector) ForgetLeader(id common.PeerID) bool {
	e.leaderMutex.Lock()
	defer e.leaderMutex.Unlock()
	if !e.hasLeader || e.leaderID != id {
		return false
	}
	e.hasLeader = false
	e.leaderlessSince = e.clock.Now()
	return true
}

// Participating reports whether a vote of ours is still in flight.
func (e *RingElector) Participating() bool {
	e.handleMutex.Lock()
	defer e.handleMutex.Unlock()
	return e.participating
}

// Stalled reports whether this peer has gone longer than maxAge without
// either resolving its vote or knowing a leader. The first happens when the
// peer carrying the winning vote dies mid-lap, the second when peer 0 is down
// at startup and nobody opens an election.
func (e *RingElector) Stalled(maxAge time.Duration) bool {
	e.handleMutex.Lock()
	participating, since := e.participating, e.participatingSince
	e.handleMutex.Unlock()
	if participating {
		return e.clock.Since(since) > maxAge
	}

	e.leaderMutex.RLock()
	defer e.leaderMutex.RUnlock()
	return !e.hasLeader && e.clock.Since(e.leaderlessSince) > maxAge
}

func (e *RingElector) State() ElectionState {
	if e.Participating() {
		return StateParticipating
	}
	if _, ok := e.Leader(); ok {
		return StateKnowsLeader
	}
	return StateIdle
}
