package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/rdpctl/internal/auth"
	"github.com/danmuck/rdpctl/internal/channels"
	"github.com/danmuck/rdpctl/internal/config"
	"github.com/danmuck/rdpctl/internal/logging"
	"github.com/danmuck/rdpctl/internal/observability"
	"github.com/danmuck/rdpctl/internal/session"
	"github.com/danmuck/rdpctl/internal/waiter"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// statusTokenEnv, when set, protects /session with a bearer token.
const statusTokenEnv = "RDPCTL_STATUS_TOKEN"

const usage = `usage: rdpctl [options] server

  -a depth       color depth (8, 15, 16, 24, 32)
  -u user        username
  -p password    password (enables auto logon)
  -g WxH         desktop geometry
  -t port        server port
  -z             enable bulk compression
  -x m|b|l|hex   performance flags (modem, broadband, lan)
  -plugin name   load a channel plugin (cliprdr, rdpsnd)
  -config path   apply a TOML session profile first
  -status addr   serve /health, /ready, /session and /metrics
  -snapshot path write the final framebuffer as PPM

Set RDPCTL_STATUS_TOKEN to require a bearer token on /session.
`

func main() {
	logging.ConfigureRuntime()
	gin.SetMode(gin.ReleaseMode)
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	if err := channels.Init(); err != nil {
		fmt.Fprintf(stderr, "rdpctl: %v\n", err)
		return session.ExitFailure
	}
	defer channels.Deinit()

	inv, err := config.ParseArgs(args, config.Defaults(), channels.Known)
	if errors.Is(err, config.ErrNoConnection) {
		fmt.Fprint(stderr, usage)
		return session.ExitCode(err)
	}
	if err != nil {
		fmt.Fprintf(stderr, "rdpctl: %v\n", err)
		return session.ExitCode(err)
	}

	err = runSession(inv, newRig(inv))
	if err != nil {
		fmt.Fprintf(stderr, "rdpctl: %v\n", err)
	}
	return session.ExitCode(err)
}

func runSession(inv config.Invocation, rig *rig) error {
	orch := session.New(inv.Settings, rig.factories(), waiter.NewSelect(), rig.expected)

	if inv.StatusAddr != "" {
		var statusOpts []observability.StatusOption
		if token := os.Getenv(statusTokenEnv); token != "" {
			statusOpts = append(statusOpts, observability.WithSessionAuth(auth.StaticToken{Token: token}))
		}
		status := observability.NewStatusServer(orch, nil, statusOpts...)
		if err := status.Start(inv.StatusAddr); err != nil {
			return fmt.Errorf("status server: %w", err)
		}
		log.Info().Str("addr", status.Addr()).Msg("status server listening")
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := status.Shutdown(ctx); err != nil {
				log.Warn().Err(err).Msg("status server shutdown")
			}
		}()
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case sig := <-sigs:
			log.Info().Str("signal", sig.String()).Str("session", orch.ID()).Msg("disconnect requested")
			rig.disconnect()
		case <-stop:
		}
	}()

	log.Info().
		Str("session", orch.ID()).
		Str("server", inv.Settings.Address()).
		Msg("session starting")
	return orch.Run()
}
