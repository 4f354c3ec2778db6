package ring

import (
	"context"
	"net"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"

	"github.com/NahuelNGomez/steam-analyzer-sub000/doctor/common"
	"github.com/NahuelNGomez/steam-analyzer-sub000/doctor/protocol"
)

var (
	// ErrNoPeerAlive means every other ring member refused the message.
	ErrNoPeerAlive = errors.New("no other peer in the ring is reachable")
	// ErrCircleComplete means the walk reached the message's origin before
	// any delivery succeeded.
	ErrCircleComplete = errors.New("message came back around to its origin")
)

const DefaultSendTimeout = 3 * time.Second

// Messenger delivers a message one hop forward, to whichever successor is
// reachable first. It does not store or retry after a successful hop.
type Messenger struct {
	ring    *Ring
	self    common.PeerID
	timeout time.Duration
	dialer  *net.Dialer
	l       log15.Logger
}

func NewMessenger(r *Ring, self common.PeerID, timeout time.Duration, l log15.Logger) *Messenger {
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return &Messenger{
		ring:    r,
		self:    self,
		timeout: timeout,
		dialer:  &net.Dialer{Timeout: timeout},
		l:       l,
	}
}

// SendToNextAlive walks the successors of this peer and returns the member
// that accepted msg.
func (m *Messenger) SendToNextAlive(ctx context.Context, msg protocol.Message) (common.Member, error) {
	return m.walk(ctx, msg, m.self)
}

// SendAround is SendToNextAlive for messages that circle the ring on behalf
// of origin: the walk never delivers to origin and gives up once it gets there.
func (m *Messenger) SendAround(ctx context.Context, msg protocol.Message, origin common.PeerID) (common.Member, error) {
	return m.walk(ctx, msg, origin)
}

func (m *Messenger) walk(ctx context.Context, msg protocol.Message, origin common.PeerID) (common.Member, error) {
	for _, peer := range m.ring.Successors(m.self) {
		if peer.ID == origin && origin != m.self {
			return common.Member{}, ErrCircleComplete
		}
		if err := ctx.Err(); err != nil {
			return common.Member{}, err
		}
		err := m.Deliver(ctx, peer.Addr, msg)
		if err == nil {
			m.l.Debug("message delivered", "msg", msg, "to", peer)
			return peer, nil
		}
		m.l.Debug("peer unreachable, trying next", "msg", msg, "peer", peer, "err", err)
	}
	if origin != m.self {
		return common.Member{}, ErrCircleComplete
	}
	return common.Member{}, ErrNoPeerAlive
}

// Deliver sends msg to addr on a fresh connection.
func (m *Messenger) Deliver(ctx context.Context, addr string, msg protocol.Message) error {
	conn, err := m.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to connect to %s", addr)
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(m.timeout)); err != nil {
		return errors.Wrap(err, "set deadline")
	}
	return protocol.Write(conn, msg)
}
