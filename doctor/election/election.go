// Package election implements ring-based leader election between doctor
// supervisors: the highest candidate id that completes a full lap of the ring
// wins.
package election

import (
	"context"
	"time"

	"github.com/NahuelNGomez/steam-analyzer-sub000/doctor/common"
	"github.com/NahuelNGomez/steam-analyzer-sub000/doctor/protocol"
)

// ElectionState is the externally visible state of an elector.
type ElectionState string

const (
	StateIdle          ElectionState = "idle"
	StateParticipating ElectionState = "participating"
	StateKnowsLeader   ElectionState = "knows_leader"
)

// NodeCommunicator is what an elector needs from the supervisor that hosts it.
type NodeCommunicator interface {
	GetID() common.PeerID
	SendToNextAlive(ctx context.Context, msg protocol.Message) (common.Member, error)
	SendAround(ctx context.Context, msg protocol.Message, origin common.PeerID) (common.Member, error)
	// StartLeaderDuties is called once this peer wins an election.
	StartLeaderDuties()
	// StartFollowerDuties is called whenever this peer learns of another leader.
	StartFollowerDuties(leader common.PeerID)
}

type Elector interface {
	Start(ctx context.Context)
	StartElection(ctx context.Context) error
	HandleMessage(ctx context.Context, msg protocol.Message) error
	Leader() (common.PeerID, bool)
	IsLeader() bool
	ClearLeader()
	// ForgetLeader clears the leader only while it is still id.
	ForgetLeader(id common.PeerID) bool
	Participating() bool
	Stalled(maxAge time.Duration) bool
	State() ElectionState
}

var _ Elector = (*RingElector)(nil)
