package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"

	"github.com/NahuelNGomez/steam-analyzer-sub000/doctor/common"
	"github.com/NahuelNGomez/steam-analyzer-sub000/doctor/health"
	"github.com/NahuelNGomez/steam-analyzer-sub000/doctor/protocol"
	"github.com/NahuelNGomez/steam-analyzer-sub000/doctor/ring"
)

// probe checks a doctor or worker health port from the command line, or
// injects a single election message for debugging a ring.
func main() {
	timeout := flag.Duration("timeout", health.DefaultProbeTimeout, "per-attempt timeout")
	port := flag.Int("port", 9290, "health port used when an address has none")
	send := flag.String("send", "", "send vote|decision|announce instead of probing")
	id := flag.Int("id", 0, "id carried by the message given to -send")
	verbose := flag.Bool("v", false, "log every attempt")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: probe [flags] host[:port]...")
		os.Exit(2)
	}

	l := log15.New()
	l.SetHandler(log15.DiscardHandler())
	if *verbose {
		l.SetHandler(log15.StreamHandler(os.Stderr, log15.LogfmtFormat()))
	}

	ctx := context.Background()

	if *send != "" {
		msg, err := message(*send, *id)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		for _, arg := range flag.Args() {
			r, err := ring.New([]string{common.WithPort(arg, *port)})
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			addr := r.Member(0).Addr
			if err := ring.NewMessenger(r, 0, *timeout, l).Deliver(ctx, addr, msg); err != nil {
				fmt.Printf("%s\tfailed: %v\n", addr, err)
				continue
			}
			fmt.Printf("%s\tsent %s\n", addr, msg)
		}
		return
	}

	prober := health.NewProber(
		health.WithTimeout(*timeout),
		health.WithPause(*timeout/10),
		health.WithLogger(l),
	)

	exit := 0
	for _, arg := range flag.Args() {
		addr := common.WithPort(arg, *port)
		start := time.Now()
		status := prober.Probe(ctx, addr)
		fmt.Printf("%s\t%s\t%s\n", addr, status, time.Since(start).Round(time.Millisecond))
		if status != common.StatusAlive {
			exit = 1
		}
	}
	os.Exit(exit)
}

func message(kind string, id int) (protocol.Message, error) {
	switch kind {
	case "vote":
		return protocol.Vote(common.PeerID(id)), nil
	case "decision":
		return protocol.Decision(common.PeerID(id)), nil
	case "announce":
		return protocol.Announce(common.PeerID(id)), nil
	}
	return protocol.Message{}, errors.Errorf("unknown message kind %q", kind)
}
