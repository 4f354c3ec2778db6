package ring

import (
	"github.com/pkg/errors"

	"github.com/NahuelNGomez/steam-analyzer-sub000/doctor/common"
)

// Ring is the fixed, ordered set of supervisors. It is built once at startup
// and never changes.
type Ring struct {
	members []common.Member
}

// New builds a ring from addresses in PeerID order.
func New(addrs []string) (*Ring, error) {
	if len(addrs) == 0 {
		return nil, errors.New("ring must have at least one member")
	}
	members := make([]common.Member, len(addrs))
	seen := make(map[string]bool, len(addrs))
	for i, addr := range addrs {
		if addr == "" {
			return nil, errors.Errorf("ring member %d has an empty address", i)
		}
		if seen[addr] {
			return nil, errors.Errorf("ring member %d duplicates address %s", i, addr)
		}
		seen[addr] = true
		members[i] = common.Member{ID: common.PeerID(i), Addr: addr}
	}
	return &Ring{members: members}, nil
}

func (r *Ring) Size() int {
	return len(r.members)
}

func (r *Ring) Contains(id common.PeerID) bool {
	return id >= 0 && int(id) < len(r.members)
}

// Member returns the member with the given id. It panics on ids outside the
// ring, which are programming errors.
func (r *Ring) Member(id common.PeerID) common.Member {
	return r.members[id]
}

// Members returns a copy of all members in ring order.
func (r *Ring) Members() []common.Member {
	return append([]common.Member(nil), r.members...)
}

// Next returns the member offset positions after id, wrapping around.
func (r *Ring) Next(id common.PeerID, offset int) common.Member {
	n := len(r.members)
	return r.members[((int(id)+offset)%n+n)%n]
}

// Successors returns every other member in search order starting right after
// id: id+1, id+2, ..., id+N-1 (mod N).
func (r *Ring) Successors(id common.PeerID) []common.Member {
	result := make([]common.Member, 0, len(r.members)-1)
	for offset := 1; offset < len(r.members); offset++ {
		result = append(result, r.Next(id, offset))
	}
	return result
}

// Others returns all members except id, in ring order.
func (r *Ring) Others(id common.PeerID) []common.Member {
	result := make([]common.Member, 0, len(r.members))
	for _, m := range r.members {
		if m.ID != id {
			result = append(result, m)
		}
	}
	return result
}
