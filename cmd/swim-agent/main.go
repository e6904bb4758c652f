package main

import (
	"context"
	"encoding/hex"
	"os"
	"os/signal"
	"syscall"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/maxpoletaev/swimcore/membership"
	"github.com/maxpoletaev/swimcore/swim"
)

func main() {
	appCtx, cancel := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := kitlog.NewLogfmtLogger(kitlog.NewSyncWriter(os.Stderr))
	args := parseCliArgs()

	if !args.verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	key, err := hex.DecodeString(args.key)
	if err != nil {
		level.Error(logger).Log("msg", "failed to decode key", "err", err)
		os.Exit(1)
	}

	conf := swim.DefaultConfig()
	conf.BindAddr = args.bindAddr
	conf.Keys = [][]byte{key}
	conf.AAD = []byte(args.aad)
	conf.Logger = logger

	agent, err := swim.New(membership.ID(args.bindAddr), conf)
	if err != nil {
		level.Error(logger).Log("msg", "failed to build agent", "err", err)
		os.Exit(1)
	}

	agent.Start()

	if args.joinAddr != "" {
		level.Info(logger).Log("msg", "seeding membership", "addr", args.joinAddr)
		agent.Alive(membership.ID(args.joinAddr), 0)
	}

	go func() {
		for ev := range agent.Events() {
			level.Info(logger).Log(
				"msg", "membership event",
				"kind", ev.Kind,
				"member", ev.Member,
				"old_status", ev.OldStatus,
				"new_status", ev.NewStatus,
				"incarnation", ev.Incarnation,
			)
		}
	}()

	level.Info(logger).Log("msg", "agent started", "bind_addr", args.bindAddr, "local_member", agent.LocalMember())

	<-appCtx.Done()

	level.Info(logger).Log("msg", "shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := agent.Leave(shutdownCtx); err != nil {
		level.Error(logger).Log("msg", "failed to leave cleanly", "err", err)
	}
}
