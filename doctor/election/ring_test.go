package election

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	fakeclock "k8s.io/utils/clock/testing"

	"github.com/NahuelNGomez/steam-analyzer-sub000/doctor/common"
	"github.com/NahuelNGomez/steam-analyzer-sub000/doctor/protocol"
	"github.com/NahuelNGomez/steam-analyzer-sub000/doctor/ring"
)

type envelope struct {
	from common.PeerID
	to   common.PeerID
	msg  protocol.Message
}

func (e envelope) String() string {
	return fmt.Sprintf("%d->%d %s", e.from, e.to, e.msg)
}

// network is an in-memory ring. Messages are queued and delivered one at a
// time by pump, so electors never call each other re-entrantly.
type network struct {
	mu    sync.Mutex
	ring  *ring.Ring
	clock *fakeclock.FakeClock
	down  map[common.PeerID]bool
	queue []envelope
	sent  []envelope
	nodes []*fakeNode
}

type fakeNode struct {
	id      common.PeerID
	net     *network
	elector *RingElector

	mu           sync.Mutex
	leaderDuties int
	following    []common.PeerID
}

func newNetwork(t *testing.T, size int) *network {
	t.Helper()
	addrs := make([]string, size)
	for i := range addrs {
		addrs[i] = fmt.Sprintf("doctor%d:9290", i)
	}
	r, err := ring.New(addrs)
	require.NoError(t, err)

	n := &network{ring: r, clock: fakeclock.NewFakeClock(time.Now()), down: map[common.PeerID]bool{}}
	for i := 0; i < size; i++ {
		n.nodes = append(n.nodes, n.newNode(common.PeerID(i)))
	}
	return n
}

func discard() log15.Logger {
	l := log15.New()
	l.SetHandler(log15.DiscardHandler())
	return l
}

func (n *network) newNode(id common.PeerID) *fakeNode {
	node := &fakeNode{id: id, net: n}
	node.elector = NewRingElector(node, n.clock, discard())
	return node
}

// restart replaces a peer with a fresh process.
func (n *network) restart(id common.PeerID) *fakeNode {
	node := n.newNode(id)
	n.mu.Lock()
	n.nodes[id] = node
	delete(n.down, id)
	n.mu.Unlock()
	return node
}

func (n *network) kill(id common.PeerID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[id] = true
}

func (n *network) walk(from common.PeerID, msg protocol.Message, origin common.PeerID) (common.Member, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, peer := range n.ring.Successors(from) {
		if peer.ID == origin && origin != from {
			return common.Member{}, ring.ErrCircleComplete
		}
		if n.down[peer.ID] {
			continue
		}
		env := envelope{from: from, to: peer.ID, msg: msg}
		n.queue = append(n.queue, env)
		n.sent = append(n.sent, env)
		return peer, nil
	}
	if origin != from {
		return common.Member{}, ring.ErrCircleComplete
	}
	return common.Member{}, ring.ErrNoPeerAlive
}

// pump delivers queued messages until the network is quiet.
func (n *network) pump(t *testing.T) {
	t.Helper()
	for i := 0; ; i++ {
		require.Less(t, i, 1000, "messages kept circulating: %v", n.sentLog())
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.mu.Unlock()
			return
		}
		env := n.queue[0]
		n.queue = n.queue[1:]
		target := n.nodes[env.to]
		dead := n.down[env.to]
		n.mu.Unlock()
		if dead {
			continue
		}
		target.elector.HandleMessage(context.Background(), env.msg)
	}
}

func (n *network) sentLog() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	result := make([]string, 0, len(n.sent))
	for _, env := range n.sent {
		result = append(result, env.String())
	}
	return result
}

func (n *network) countKind(kind protocol.Kind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, env := range n.sent {
		if env.msg.Kind == kind {
			count++
		}
	}
	return count
}

func (n *network) sentCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func (f *fakeNode) GetID() common.PeerID { return f.id }

func (f *fakeNode) SendToNextAlive(_ context.Context, msg protocol.Message) (common.Member, error) {
	return f.net.walk(f.id, msg, f.id)
}

func (f *fakeNode) SendAround(_ context.Context, msg protocol.Message, origin common.PeerID) (common.Member, error) {
	return f.net.walk(f.id, msg, origin)
}

func (f *fakeNode) StartLeaderDuties() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaderDuties++
}

func (f *fakeNode) StartFollowerDuties(leader common.PeerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.following = append(f.following, leader)
}

func (f *fakeNode) duties() (int, []common.PeerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leaderDuties, append([]common.PeerID(nil), f.following...)
}

func requireLeader(t *testing.T, n *network, want common.PeerID) {
	t.Helper()
	leaders := 0
	for _, node := range n.nodes {
		if n.down[node.id] {
			continue
		}
		got, ok := node.elector.Leader()
		require.True(t, ok, "peer %d has no leader", node.id)
		assert.Equal(t, want, got, "peer %d", node.id)
		if node.elector.IsLeader() {
			leaders++
		}
	}
	assert.Equal(t, 1, leaders, "exactly one peer must consider itself leader")
}

// TestThreeDoctorScenario walks the doctor0/doctor1/doctor2 startup election
// message by message.
func TestThreeDoctorScenario(t *testing.T) {
	n := newNetwork(t, 3)

	n.nodes[0].elector.Start(context.Background())
	n.pump(t)

	assert.Equal(t, []string{
		"0->1 vote(0)",
		"1->2 vote(1)",
		"2->0 vote(2)",
		"0->1 vote(2)",
		"1->2 vote(2)",
		"2->0 decision(2)",
		"0->1 decision(2)",
	}, n.sentLog())

	requireLeader(t, n, 2)
	leaderDuties, following := n.nodes[2].duties()
	assert.Equal(t, 1, leaderDuties)
	assert.Empty(t, following)
	for _, id := range []common.PeerID{0, 1} {
		leaderDuties, following := n.nodes[id].duties()
		assert.Zero(t, leaderDuties, "peer %d", id)
		assert.Equal(t, []common.PeerID{2}, following, "peer %d", id)
		assert.Equal(t, StateKnowsLeader, n.nodes[id].elector.State())
	}
}

func TestSingleWinnerConvergence(t *testing.T) {
	for size := 1; size <= 6; size++ {
		t.Run(fmt.Sprintf("ring of %d", size), func(t *testing.T) {
			n := newNetwork(t, size)
			n.nodes[0].elector.Start(context.Background())
			n.pump(t)

			requireLeader(t, n, common.PeerID(size-1))
			for _, node := range n.nodes {
				assert.False(t, node.elector.Participating(), "peer %d", node.id)
			}
		})
	}
}

func TestInitialState(t *testing.T) {
	n := newNetwork(t, 3)

	assert.Equal(t, StateParticipating, n.nodes[0].elector.State())
	assert.Equal(t, StateIdle, n.nodes[1].elector.State())
	_, ok := n.nodes[1].elector.Leader()
	assert.False(t, ok)

	n.nodes[1].elector.Start(context.Background())
	assert.Zero(t, n.sentCount(), "only peer 0 opens the first election")
}

func TestDuplicateDecisionIsNotForwarded(t *testing.T) {
	n := newNetwork(t, 3)
	n.nodes[0].elector.Start(context.Background())
	n.pump(t)
	before := n.sentCount()

	for _, node := range n.nodes {
		require.NoError(t, node.elector.HandleMessage(context.Background(), protocol.Decision(2)))
	}
	n.pump(t)

	assert.Equal(t, before, n.sentCount())
	requireLeader(t, n, 2)
	_, following := n.nodes[0].duties()
	assert.Len(t, following, 1, "follower duties start once")
}

func TestLowerVoteDroppedWhileParticipating(t *testing.T) {
	n := newNetwork(t, 4)
	e := n.nodes[2].elector
	require.NoError(t, e.HandleMessage(context.Background(), protocol.Vote(3)))
	require.Equal(t, []string{"2->3 vote(3)"}, n.sentLog())

	require.NoError(t, e.HandleMessage(context.Background(), protocol.Vote(1)))
	assert.Equal(t, []string{"2->3 vote(3)"}, n.sentLog(), "lower candidate must be dropped")
}

func TestJoiningVoteForwardsMaximum(t *testing.T) {
	n := newNetwork(t, 4)
	require.NoError(t, n.nodes[2].elector.HandleMessage(context.Background(), protocol.Vote(0)))
	require.NoError(t, n.nodes[1].elector.HandleMessage(context.Background(), protocol.Vote(3)))

	assert.Equal(t, []string{"2->3 vote(2)", "1->2 vote(3)"}, n.sentLog())
	assert.True(t, n.nodes[2].elector.Participating())
}

func TestDecisionWithoutElectionIsDropped(t *testing.T) {
	n := newNetwork(t, 3)
	require.NoError(t, n.nodes[1].elector.HandleMessage(context.Background(), protocol.Decision(2)))

	assert.Zero(t, n.sentCount())
	_, ok := n.nodes[1].elector.Leader()
	assert.False(t, ok)
}

func TestAnnounceTeachesLeaderAndCircles(t *testing.T) {
	n := newNetwork(t, 3)
	require.NoError(t, n.nodes[0].elector.HandleMessage(context.Background(), protocol.Announce(2)))
	n.pump(t)

	// 0 learns and forwards to 1; 1 learns and stops before handing it back to 2
	assert.Equal(t, []string{"0->1 announce(2)"}, n.sentLog())
	for _, id := range []common.PeerID{0, 1} {
		leader, ok := n.nodes[id].elector.Leader()
		require.True(t, ok)
		assert.Equal(t, common.PeerID(2), leader)
		assert.False(t, n.nodes[id].elector.Participating())
	}
}

func TestAnnounceFromDeadLeaderStops(t *testing.T) {
	n := newNetwork(t, 3)
	n.nodes[0].elector.Start(context.Background())
	n.pump(t)
	n.kill(2)

	n.nodes[0].elector.ClearLeader()
	n.nodes[1].elector.ClearLeader()
	require.NoError(t, n.nodes[0].elector.HandleMessage(context.Background(), protocol.Announce(2)))
	n.pump(t)
	// pump would fail the test if the stale announce kept circulating
}

func TestRestartedPeerVotingWhileLeaderExists(t *testing.T) {
	n := newNetwork(t, 3)
	n.nodes[0].elector.Start(context.Background())
	n.pump(t)

	decisions := n.countKind(protocol.KindDecision)

	fresh := n.restart(0)
	fresh.elector.Start(context.Background())
	n.pump(t)

	requireLeader(t, n, 2)
	assert.Equal(t, decisions, n.countKind(protocol.KindDecision), "leader must not be re-elected")
	leaderDuties, _ := n.nodes[2].duties()
	assert.Equal(t, 2, leaderDuties, "re-asserting leadership refreshes the duties")
	for _, node := range n.nodes {
		assert.False(t, node.elector.Participating(), "peer %d", node.id)
	}
	_, following := fresh.duties()
	assert.Equal(t, []common.PeerID{2}, following)
}

func TestLeaderFailover(t *testing.T) {
	n := newNetwork(t, 3)
	n.nodes[0].elector.Start(context.Background())
	n.pump(t)
	requireLeader(t, n, 2)

	// followers detect the death; the ring successor of 2 is 0, which votes
	n.kill(2)
	n.nodes[0].elector.ClearLeader()
	n.nodes[1].elector.ClearLeader()
	require.NoError(t, n.nodes[0].elector.StartElection(context.Background()))
	n.pump(t)

	requireLeader(t, n, 1)
	leaderDuties, _ := n.nodes[1].duties()
	assert.Equal(t, 1, leaderDuties)
}

func TestConcurrentElectionsConverge(t *testing.T) {
	n := newNetwork(t, 5)
	n.nodes[0].elector.Start(context.Background())
	n.pump(t)
	requireLeader(t, n, 4)

	n.kill(4)
	for _, node := range n.nodes[:4] {
		node.elector.ClearLeader()
	}
	// two followers disagree about who should start the new election
	require.NoError(t, n.nodes[0].elector.StartElection(context.Background()))
	require.NoError(t, n.nodes[2].elector.StartElection(context.Background()))
	n.pump(t)

	requireLeader(t, n, 3)
}

func TestAloneInRingWins(t *testing.T) {
	n := newNetwork(t, 3)
	n.kill(1)
	n.kill(2)

	require.NoError(t, n.nodes[0].elector.StartElection(context.Background()))
	assert.True(t, n.nodes[0].elector.IsLeader())
	leaderDuties, _ := n.nodes[0].duties()
	assert.Equal(t, 1, leaderDuties)
}

func TestLeaderStepsDownForHigherAnnounce(t *testing.T) {
	n := newNetwork(t, 3)
	n.kill(2)
	require.NoError(t, n.nodes[0].elector.StartElection(context.Background()))
	n.pump(t)
	requireLeader(t, n, 1)

	// 2 comes back believing it leads; its announce reaches 0 first
	n.restart(2)
	require.NoError(t, n.nodes[1].elector.HandleMessage(context.Background(), protocol.Announce(0)))
	assert.True(t, n.nodes[1].elector.IsLeader(), "lower announce must not demote")

	require.NoError(t, n.nodes[0].elector.HandleMessage(context.Background(), protocol.Announce(2)))
	n.pump(t)
	assert.False(t, n.nodes[1].elector.IsLeader())
	leader, _ := n.nodes[1].elector.Leader()
	assert.Equal(t, common.PeerID(2), leader)
	_, following := n.nodes[1].duties()
	assert.Contains(t, following, common.PeerID(2))
}

func TestStalled(t *testing.T) {
	n := newNetwork(t, 3)
	assert.False(t, n.nodes[1].elector.Stalled(time.Hour))

	require.NoError(t, n.nodes[1].elector.HandleMessage(context.Background(), protocol.Vote(0)))
	n.clock.Step(time.Minute)
	assert.True(t, n.nodes[1].elector.Stalled(time.Second))
	assert.False(t, n.nodes[1].elector.Stalled(time.Hour))
}

func TestStalledWithoutLeader(t *testing.T) {
	n := newNetwork(t, 3)
	assert.False(t, n.nodes[1].elector.Stalled(time.Second))
	n.clock.Step(time.Minute)
	assert.True(t, n.nodes[1].elector.Stalled(time.Second), "nobody opened an election")

	n.nodes[0].elector.Start(context.Background())
	n.pump(t)
	n.clock.Step(time.Minute)
	for _, node := range n.nodes {
		assert.False(t, node.elector.Stalled(time.Second), "peer %d", node.id)
	}

	n.nodes[1].elector.ClearLeader()
	assert.False(t, n.nodes[1].elector.Stalled(time.Hour))
	assert.False(t, n.nodes[1].elector.ForgetLeader(2), "leader already cleared")
}
