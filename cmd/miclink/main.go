package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/prchen818/MicLink/internal/call"
	"github.com/prchen818/MicLink/internal/config"
	"github.com/prchen818/MicLink/internal/signaling"
	"github.com/prchen818/MicLink/internal/webrtcpeer"
)

const hangupTimeout = 2 * time.Second

var _ call.Signaler = (*signaling.Client)(nil)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("miclink exited", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Client, logger *slog.Logger) error {
	iceServers := cfg.ICEServers
	if cfg.FetchICE {
		servers, err := fetchICEServers(ctx, http.DefaultClient, cfg)
		if err != nil {
			logger.Warn("failed to fetch ice servers; using local configuration", "err", err)
		} else {
			iceServers = servers
		}
	}

	logger.Info("starting miclink",
		"user_id", cfg.UserID,
		"server_url", cfg.ServerURL,
		"mode", cfg.Mode,
		"connection_mode", cfg.ConnectionMode,
		"audio_quality", cfg.AudioQuality,
		"ice_servers", len(iceServers),
	)

	engine := webrtcpeer.NewEngine(webrtcpeer.EngineConfig{
		ICEServers: iceServers,
		Network:    cfg.Network,
		Logger:     logger,
	})
	if err := engine.Initialize(); err != nil {
		return fmt.Errorf("configure media engine: %w", err)
	}
	defer func() {
		if err := engine.Dispose(); err != nil {
			logger.Warn("media engine dispose failed", "err", err)
		}
	}()

	client := signaling.NewClient(signaling.ClientConfig{
		Channel: signaling.ChannelConfig{
			URL:          cfg.ServerURL,
			APIKey:       cfg.APIKey,
			BaseDelay:    cfg.ReconnectBaseDelay,
			MaxDelay:     cfg.ReconnectMaxDelay,
			MaxAttempts:  cfg.MaxReconnectAttempts,
			PingInterval: cfg.PingInterval,
		},
		Logger: logger,
	})

	machine, err := call.New(call.Config{
		SelfID:            cfg.UserID,
		Signaler:          client,
		Engine:            engine,
		Audio:             webrtcpeer.NewSilenceSource(engine),
		ConnectionTimeout: cfg.ConnectionTimeout,
		RingTimeout:       cfg.RingTimeout,
		DiagnosticsGrace:  cfg.DiagnosticsGrace,
		MaxICERestarts:    cfg.MaxICERestarts,
		ICERestartDelay:   cfg.ICERestartDelay,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	// The machine outlives ctx so the final hangup can still be sent.
	runCtx, cancelRun := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- machine.Run(runCtx) }()
	defer func() {
		cancelRun()
		<-runDone
	}()

	if err := client.Connect(ctx, cfg.UserID); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer client.Disconnect()

	s := &session{cfg: cfg, log: logger, client: client, machine: machine}
	s.loop(ctx)

	hctx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
	defer cancel()
	if err := machine.Hangup(hctx); err != nil && !errors.Is(err, call.ErrStopped) {
		logger.Warn("final hangup failed", "err", err)
	}
	return nil
}

// session drives the CLI: it forwards signaling events into the call
// machine and prints what happens.
type session struct {
	cfg     config.Client
	log     *slog.Logger
	client  *signaling.Client
	machine *call.Machine

	dialed bool
}

func (s *session) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			s.log.Info("shutdown signal received")
			return

		case st := <-s.client.States():
			s.log.Info("presence connection", "status", st.Status, "reason", st.Reason)

		case ev := <-s.client.Events():
			s.handleEvent(ctx, ev)

		case st := <-s.machine.States():
			s.printState(st)

		case rep := <-s.machine.Reports():
			fmt.Printf("diagnostics: %s\n", rep.Suggestion)
			s.log.Info("call diagnostics", "report", rep)
		}
	}
}

func (s *session) handleEvent(ctx context.Context, ev signaling.Event) {
	if err := s.machine.Deliver(ctx, ev); err != nil {
		s.log.Warn("failed to deliver signaling event", "err", err)
		return
	}

	switch ev := ev.(type) {
	case signaling.RosterUpdated:
		fmt.Printf("online: %v\n", ev.Users)
		s.maybeDial(ctx, ev.Users)
	case signaling.IncomingCall:
		fmt.Printf("incoming call from %s (mode=%s quality=%s)\n", ev.From, ev.Mode, ev.Quality)
		if !s.cfg.AutoAccept {
			return
		}
		if err := s.machine.Accept(ctx); err != nil {
			s.log.Warn("auto-accept failed", "from", ev.From, "err", err)
		}
	case signaling.ProtocolError:
		s.log.Warn("signaling protocol error", "err", ev.Err)
	}
}

// maybeDial places the -call call once the peer shows up online.
func (s *session) maybeDial(ctx context.Context, online []string) {
	if s.cfg.Call == "" || s.dialed || !slices.Contains(online, s.cfg.Call) {
		return
	}
	s.dialed = true
	if err := s.machine.Initiate(ctx, s.cfg.Call, s.cfg.ConnectionMode, s.cfg.AudioQuality); err != nil {
		s.log.Warn("failed to place call", "peer", s.cfg.Call, "err", err)
		return
	}
	fmt.Printf("calling %s\n", s.cfg.Call)
}

func (s *session) printState(st call.State) {
	if _, ok := st.(call.Connected); ok {
		if sess, ok := s.machine.Session(); ok {
			fmt.Printf("call: %s mode=%s quality=%s\n", st, sess.Mode, sess.Quality)
			return
		}
	}
	fmt.Printf("call: %s\n", st)
}
