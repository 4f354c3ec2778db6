package protocol

// Kind is the tag byte that opens every connection on the health port.
type Kind byte

const (
	KindProbe    Kind = 0x01
	KindVote     Kind = 0x02
	KindDecision Kind = 0x03
	KindAnnounce Kind = 0x04
)

const (
	// IDSize is the width of the big-endian id that follows Vote, Decision
	// and Announce tags.
	IDSize = 4

	// ProbeAlive and ProbeUnhealthy are the only valid probe replies.
	ProbeAlive     byte = 1
	ProbeUnhealthy byte = 0
)

func (k Kind) String() string {
	switch k {
	case KindProbe:
		return "probe"
	case KindVote:
		return "vote"
	case KindDecision:
		return "decision"
	case KindAnnounce:
		return "announce"
	}
	return "unknown"
}

// HasPayload reports whether a 4-byte id follows the tag.
func (k Kind) HasPayload() bool {
	return k == KindVote || k == KindDecision || k == KindAnnounce
}
