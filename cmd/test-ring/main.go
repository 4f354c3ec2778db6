package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/inconshreveable/log15"
	"golang.org/x/sync/errgroup"

	"github.com/NahuelNGomez/steam-analyzer-sub000/doctor/common"
	"github.com/NahuelNGomez/steam-analyzer-sub000/doctor/node"
	"github.com/NahuelNGomez/steam-analyzer-sub000/doctor/ring"
)

// printRing logs what every doctor still running believes.
func printRing(doctors []*node.Node, stopped map[common.PeerID]bool) {
	for _, d := range doctors {
		if stopped[d.ID] {
			log.Printf("Doctor%d: stopped", d.ID)
			continue
		}
		info := d.Snapshot()
		leader := "none"
		if info.HasLeader {
			leader = fmt.Sprint(info.LeaderID)
		}
		log.Printf("Doctor%d (%s): Role=%s, Leader=%s, WorkerLoop=%t, LeaderLoop=%t",
			info.ID, info.Addr, info.Role, leader, info.WorkerLoop, info.LeaderLoop)
	}
}

// noRestart logs instead of restarting, the demo has no containers.
type noRestart struct{}

func (noRestart) Restart(_ context.Context, host string) error {
	log.Printf("  (would restart %s)", host)
	return nil
}

func main() {
	log.Println("Ring election test")
	log.Println()

	const size = 3
	timeout := 3 * time.Second

	addrs := make([]string, size)
	for i := range addrs {
		addrs[i] = fmt.Sprintf("127.0.0.1:%d", 9000+i)
	}
	members, err := ring.New(addrs)
	if err != nil {
		log.Fatalf("Failed to build ring: %v", err)
	}

	l := log15.New()
	l.SetHandler(log15.LvlFilterHandler(log15.LvlInfo, log15.StreamHandler(os.Stderr, log15.LogfmtFormat())))

	g, ctx := errgroup.WithContext(context.Background())
	doctors := make([]*node.Node, size)
	cancels := make([]context.CancelFunc, size)
	for i := range doctors {
		doctors[i] = node.NewNode(node.Settings{
			ID:            common.PeerID(i),
			Ring:          members,
			ListenAddr:    addrs[i],
			Timeout:       timeout,
			ProbeTimeout:  time.Second,
			ElectionDelay: time.Second,
		}, node.WithLogger(l), node.WithRestarter(noRestart{}))

		dctx, cancel := context.WithCancel(ctx)
		cancels[i] = cancel
		d := doctors[i]
		g.Go(func() error {
			return d.ListenAndServe(dctx)
		})
	}

	stopped := map[common.PeerID]bool{}
	wait := func(d time.Duration) {
		log.Printf("Waiting %s...", d)
		time.Sleep(d)
		log.Println()
	}

	wait(3 * time.Second)
	log.Println("After startup election:")
	printRing(doctors, stopped)

	for _, victim := range []common.PeerID{2, 1} {
		log.Printf("Stopping doctor%d", victim)
		cancels[victim]()
		stopped[victim] = true

		wait(2 * timeout)
		log.Println("After failover:")
		printRing(doctors, stopped)
	}

	for _, cancel := range cancels {
		cancel()
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("Doctor failed: %v", err)
	}
}
