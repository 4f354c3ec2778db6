package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/inconshreveable/log15"
	"golang.org/x/sync/errgroup"

	"github.com/NahuelNGomez/steam-analyzer-sub000/doctor/node"
	"github.com/NahuelNGomez/steam-analyzer-sub000/doctor/recovery"
	"github.com/NahuelNGomez/steam-analyzer-sub000/doctor/ring"
	"github.com/NahuelNGomez/steam-analyzer-sub000/internal/config"
	"github.com/NahuelNGomez/steam-analyzer-sub000/internal/handlers"
	"github.com/NahuelNGomez/steam-analyzer-sub000/internal/middleware"
)

func main() {
	cfg, fromFile, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	l := log15.New()
	l.SetHandler(log15.LvlFilterHandler(cfg.LogLevel, log15.StreamHandler(os.Stderr, log15.LogfmtFormat())))
	if !fromFile {
		l.Debug("no .env file found, using environment variables")
	}

	members, err := ring.New(cfg.Doctors)
	if err != nil {
		l.Crit("invalid ring", "err", err)
		os.Exit(2)
	}

	n := node.NewNode(node.Settings{
		ID:            cfg.ID,
		Ring:          members,
		Workers:       cfg.Workers,
		ListenAddr:    cfg.ListenAddr,
		Timeout:       cfg.FailureTimeout,
		ProbeTimeout:  cfg.ProbeTimeout,
		ElectionDelay: cfg.ElectionDelay,
	},
		node.WithLogger(l),
		node.WithRestarter(recovery.NewCommandRestarter(recovery.ParseCommand(cfg.RestartCommand), l)),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.ListenAndServe(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		l.Info("shutting down", "role", n.Snapshot().Role)
		return nil
	})

	if cfg.StatusAddr != "" {
		var auth *middleware.OperatorAuth
		if cfg.StatusSecret != "" {
			auth = middleware.NewOperatorAuth(cfg.StatusSecret)
		}
		srv := &http.Server{
			Addr:    cfg.StatusAddr,
			Handler: handlers.Routes(handlers.NewStatusHandler(n, l), auth),
		}
		g.Go(func() error {
			l.Info("status endpoint listening", "addr", cfg.StatusAddr, "control", auth != nil)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return srv.Shutdown(context.Background())
		})
	}

	if err := g.Wait(); err != nil {
		l.Crit("doctor failed", "err", err)
		os.Exit(1)
	}
}
