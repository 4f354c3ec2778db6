package node

import (
	"context"

	"github.com/google/uuid"
	"golang.org/x/exp/slices"

	"github.com/NahuelNGomez/steam-analyzer-sub000/doctor/common"
	"github.com/NahuelNGomez/steam-analyzer-sub000/doctor/protocol"
)

// GetID, SendToNextAlive, SendAround and the two Start*Duties methods make
// Node the election.NodeCommunicator of its elector.

func (n *Node) GetID() common.PeerID {
	return n.ID
}

func (n *Node) SendToNextAlive(ctx context.Context, msg protocol.Message) (common.Member, error) {
	return n.messenger.SendToNextAlive(ctx, msg)
}

func (n *Node) SendAround(ctx context.Context, msg protocol.Message, origin common.PeerID) (common.Member, error) {
	return n.messenger.SendAround(ctx, msg, origin)
}

// StartLeaderDuties stops following and makes sure the announcement and
// worker supervision loops are running. Loops that are still alive are left
// alone, so calling it twice is harmless.
func (n *Node) StartLeaderDuties() {
	n.taskMutex.Lock()
	defer n.taskMutex.Unlock()

	n.leaderHealthTask.Stop()
	n.leaderHealthTask = nil

	if !n.leaderAnnounceTask.Alive() {
		n.leaderAnnounceTask = spawn(n.ctx, "leader-announce", n.l, n.announceLeadership)
	}
	if !n.workerHealthTask.Alive() {
		n.workerHealthTask = spawn(n.ctx, "worker-health", n.l, n.superviseWorkers)
	}
	n.l.Info("leader duties running")
}

// StartFollowerDuties replaces whatever this peer was doing with a single
// loop watching leader.
func (n *Node) StartFollowerDuties(leader common.PeerID) {
	n.taskMutex.Lock()
	defer n.taskMutex.Unlock()

	n.leaderAnnounceTask.Stop()
	n.workerHealthTask.Stop()
	n.leaderAnnounceTask, n.workerHealthTask = nil, nil

	n.leaderHealthTask.Stop()
	n.leaderHealthTask = spawn(n.ctx, "leader-health", n.l, func(ctx context.Context) {
		n.watchLeader(ctx, leader)
	})
	n.l.Info("following leader", "leader", leader)
}

func (n *Node) stopDuties() {
	n.taskMutex.Lock()
	defer n.taskMutex.Unlock()
	n.leaderAnnounceTask.Stop()
	n.workerHealthTask.Stop()
	n.leaderHealthTask.Stop()
}

func (n *Node) announceLeadership(ctx context.Context) {
	for {
		if _, err := n.SendAround(ctx, protocol.Announce(n.ID), n.ID); err != nil && ctx.Err() == nil {
			n.l.Debug("announce not delivered", "err", err)
		}
		if !n.sleep(ctx, n.timeout/3) {
			return
		}
	}
}

func (n *Node) superviseWorkers(ctx context.Context) {
	for n.sleep(ctx, n.timeout) {
		for _, addr := range n.supervisionTargets() {
			if n.checker.Probe(ctx, addr) == common.StatusAlive {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			n.l.Warn("supervised host is dead", "addr", addr)
			go n.restart(common.HostOf(addr))
		}
	}
}

// supervisionTargets is every worker plus every other doctor, each once.
func (n *Node) supervisionTargets() []string {
	targets := make([]string, 0, len(n.workers)+n.ring.Size())
	for _, addr := range n.workers {
		if !slices.Contains(targets, addr) {
			targets = append(targets, addr)
		}
	}
	for _, peer := range n.ring.Others(n.ID) {
		if !slices.Contains(targets, peer.Addr) {
			targets = append(targets, peer.Addr)
		}
	}
	return targets
}

func (n *Node) restart(host string) {
	ctx := n.baseContext()
	id := uuid.New()
	l := n.l.New("host", host, "restart", id)
	l.Info("restarting host")
	if err := n.restarter.Restart(ctx, host); err != nil {
		l.Error("restart failed", "err", err)
		return
	}
	l.Info("restart issued")
}

func (n *Node) watchLeader(ctx context.Context, leader common.PeerID) {
	if !n.ring.Contains(leader) {
		n.l.Error("leader is outside the ring", "leader", leader, "ring", n.ring.Size())
		n.elector.ForgetLeader(leader)
		return
	}
	addr := n.ring.Member(leader).Addr
	for n.sleep(ctx, n.timeout/3) {
		if n.checker.Probe(ctx, addr) == common.StatusAlive {
			continue
		}
		if ctx.Err() != nil {
			return
		}

		n.l.Warn("leader is dead", "leader", leader)
		if !n.elector.ForgetLeader(leader) {
			return
		}
		n.handOff(ctx, leader)
		return
	}
}

// handOff walks the ring forward from the dead leader. The first live peer
// after it opens the next election; if that peer is us, we open it.
func (n *Node) handOff(ctx context.Context, dead common.PeerID) {
	for offset := 1; offset < n.ring.Size(); offset++ {
		peer := n.ring.Next(dead, offset)
		if peer.ID == n.ID {
			if err := n.elector.StartElection(n.baseContext()); err != nil {
				n.l.Warn("failed to start election", "err", err)
			}
			return
		}
		if n.checker.Probe(ctx, peer.Addr) == common.StatusAlive {
			n.l.Info("peer closer to the dead leader takes over", "peer", peer)
			return
		}
		n.l.Info("skipping dead peer", "peer", peer)
	}
}
