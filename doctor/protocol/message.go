package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/NahuelNGomez/steam-analyzer-sub000/doctor/common"
)

// ErrUnknownKind is returned when a connection opens with a tag byte that is
// not part of the protocol.
var ErrUnknownKind = errors.New("unknown message kind")

// Message is one protocol message. ID is meaningless for probes.
type Message struct {
	Kind Kind
	ID   common.PeerID
}

func Probe() Message {
	return Message{Kind: KindProbe}
}

func Vote(candidate common.PeerID) Message {
	return Message{Kind: KindVote, ID: candidate}
}

func Decision(leader common.PeerID) Message {
	return Message{Kind: KindDecision, ID: leader}
}

func Announce(leader common.PeerID) Message {
	return Message{Kind: KindAnnounce, ID: leader}
}

func (m Message) String() string {
	if !m.Kind.HasPayload() {
		return m.Kind.String()
	}
	return fmt.Sprintf("%s(%d)", m.Kind, m.ID)
}

// MarshalBinary returns the wire form of m.
func (m Message) MarshalBinary() ([]byte, error) {
	switch m.Kind {
	case KindProbe:
		return []byte{byte(KindProbe)}, nil
	case KindVote, KindDecision, KindAnnounce:
		if m.ID < 0 || int64(m.ID) > int64(^uint32(0)) {
			return nil, errors.Errorf("%s id %d does not fit in %d bytes", m.Kind, m.ID, IDSize)
		}
		buf := make([]byte, 1+IDSize)
		buf[0] = byte(m.Kind)
		binary.BigEndian.PutUint32(buf[1:], uint32(m.ID))
		return buf, nil
	}
	return nil, errors.Wrapf(ErrUnknownKind, "tag 0x%02x", byte(m.Kind))
}

// Write writes the wire form of m to dst in a single call.
func Write(dst io.Writer, m Message) error {
	buf, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := dst.Write(buf); err != nil {
		return errors.Wrapf(err, "could not write %s", m)
	}
	return nil
}

// ReadKind reads the tag byte that opens a connection.
func ReadKind(src io.Reader) (Kind, error) {
	var tag [1]byte
	if _, err := io.ReadFull(src, tag[:]); err != nil {
		return 0, errors.Wrap(err, "protocol error: could not read tag")
	}
	k := Kind(tag[0])
	switch k {
	case KindProbe, KindVote, KindDecision, KindAnnounce:
		return k, nil
	}
	return k, errors.Wrapf(ErrUnknownKind, "tag 0x%02x", tag[0])
}

// ReadPayload reads the fixed-width id that follows a tag of kind k.
func ReadPayload(src io.Reader, k Kind) (Message, error) {
	if !k.HasPayload() {
		return Message{Kind: k}, nil
	}
	var buf [IDSize]byte
	if n, err := io.ReadFull(src, buf[:]); err != nil {
		return Message{}, errors.Wrapf(err, "protocol error: short %s payload (got %d of %d bytes)", k, n, IDSize)
	}
	return Message{Kind: k, ID: common.PeerID(binary.BigEndian.Uint32(buf[:]))}, nil
}

// Read decodes one complete message from src.
func Read(src io.Reader) (Message, error) {
	k, err := ReadKind(src)
	if err != nil {
		return Message{}, err
	}
	return ReadPayload(src, k)
}

// ReadProbeReply reads the single byte a peer answers a probe with and
// reports whether it signals a healthy peer.
func ReadProbeReply(src io.Reader) (bool, error) {
	var b [1]byte
	if _, err := io.ReadFull(src, b[:]); err != nil {
		return false, errors.Wrap(err, "could not read probe reply")
	}
	switch b[0] {
	case ProbeAlive:
		return true, nil
	case ProbeUnhealthy:
		return false, nil
	}
	return false, errors.Errorf("unexpected probe reply 0x%02x", b[0])
}

// WriteProbeReply answers a probe.
func WriteProbeReply(dst io.Writer, alive bool) error {
	reply := ProbeUnhealthy
	if alive {
		reply = ProbeAlive
	}
	_, err := dst.Write([]byte{reply})
	return errors.Wrap(err, "could not write probe reply")
}
