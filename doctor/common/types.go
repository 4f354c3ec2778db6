package common

import (
	"fmt"
	"net"
	"strconv"
)

// PeerID identifies a supervisor by its position in the ring.
type PeerID int

type NodeRole string

const (
	RoleIdle      NodeRole = "idle"
	RoleCandidate NodeRole = "candidate"
	RoleLeader    NodeRole = "leader"
	RoleFollower  NodeRole = "follower"
)

type HealthStatus string

const (
	StatusAlive HealthStatus = "alive"
	StatusDead  HealthStatus = "dead"
)

// Member binds a PeerID to the address of its health port.
type Member struct {
	ID   PeerID `json:"id"`
	Addr string `json:"addr"`
}

func (m Member) String() string {
	return fmt.Sprintf("%d@%s", m.ID, m.Addr)
}

// Host returns the host part of the member address.
func (m Member) Host() string {
	return HostOf(m.Addr)
}

// NodeInfo is a point-in-time view of a supervisor, used for logging and by
// the local demo binaries.
type NodeInfo struct {
	ID            PeerID   `json:"id"`
	Addr          string   `json:"addr"`
	Role          NodeRole `json:"role"`
	LeaderID      PeerID   `json:"leader_id"`
	HasLeader     bool     `json:"has_leader"`
	Participating bool     `json:"participating"`
	WorkerLoop    bool     `json:"worker_loop"`
	AnnounceLoop  bool     `json:"announce_loop"`
	LeaderLoop    bool     `json:"leader_loop"`
}

// WithPort appends port to addr unless addr already names one.
func WithPort(addr string, port int) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(port))
}

// HostOf strips the port from addr, if any.
func HostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
