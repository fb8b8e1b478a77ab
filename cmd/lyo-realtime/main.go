package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/lyo-realtime/internal/auth"
	"github.com/alexjbarnes/lyo-realtime/internal/bridge"
	"github.com/alexjbarnes/lyo-realtime/internal/config"
	"github.com/alexjbarnes/lyo-realtime/internal/connectivity"
	"github.com/alexjbarnes/lyo-realtime/internal/logging"
	"github.com/alexjbarnes/lyo-realtime/internal/mcpserver"
	"github.com/alexjbarnes/lyo-realtime/internal/notify"
	"github.com/alexjbarnes/lyo-realtime/internal/realtime"
	"github.com/alexjbarnes/lyo-realtime/internal/server"
	"github.com/alexjbarnes/lyo-realtime/internal/state"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	// Handle hash-token subcommand before config loading.
	if len(os.Args) > 1 && os.Args[1] == "hash-token" {
		hashToken()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func hashToken() {
	fmt.Fprint(os.Stderr, "Enter control token: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		fmt.Fprintln(os.Stderr, "no input")
		os.Exit(1)
	}

	hash, err := auth.HashToken(scanner.Text())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("lyo-realtime starting",
		slog.String("version", Version),
		slog.String("device", cfg.DeviceName),
		slog.Bool("control", cfg.EnableControl),
	)

	appState, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	if last := appState.LastConnected(); !last.IsZero() {
		logger.Debug("previous session", slog.Time("last_connected", last))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session, err := authenticate(ctx, cfg, appState, logger)
	if err != nil {
		return err
	}

	scheduler, planner, platform, err := setupNotifications(ctx, cfg, appState, logger)
	if err != nil {
		return err
	}
	defer platform.Close()

	router := realtime.NewRouter(logging.Component(logger, "router"))
	bridge.New(planner, logging.Component(logger, "bridge")).Register(router)

	conn := realtime.NewConnection(realtime.Options{
		URL:                cfg.WSURL,
		Device:             cfg.DeviceName,
		Version:            Version,
		ConnectTimeout:     cfg.ConnectTimeout,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		HeartbeatMaxMissed: cfg.HeartbeatMaxMissed,
		MaxAttempts:        cfg.ReconnectMaxAttempts,
		BackoffCap:         cfg.ReconnectBackoffCap,
	}, session, router, logging.Component(logger, "realtime"))

	monitor := connectivity.NewMonitor(
		connectivity.TCPProbe(cfg.ProbeAddr),
		cfg.ProbeInterval,
		logging.Component(logger, "connectivity"),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCanceled(conn.Run(gctx))
	})

	g.Go(func() error {
		return ignoreCanceled(monitor.Run(gctx))
	})

	g.Go(func() error {
		return ignoreCanceled(conn.WatchConnectivity(gctx, monitor.Updates()))
	})

	g.Go(func() error {
		trackSessions(gctx, conn, appState, logger)
		return nil
	})

	if cfg.NotifyRulesFile != "" {
		g.Go(func() error {
			return ignoreCanceled(planner.WatchRules(gctx, cfg.NotifyRulesFile))
		})
	}

	if cfg.EnableControl {
		g.Go(func() error {
			return runControl(gctx, cfg, conn, scheduler, logger)
		})
	}

	conn.Connect()

	err = g.Wait()

	logger.Info("shutting down")

	return err
}

// authenticate prepares the credential session. An explicit token seed
// wins over the cache; otherwise email sign-in runs only when nothing is
// cached.
func authenticate(ctx context.Context, cfg *config.Config, appState *state.State, logger *slog.Logger) (*auth.Session, error) {
	authLogger := logging.Component(logger, "auth")
	client := auth.NewClient(cfg.APIURL, nil)

	session, err := auth.NewSession(client, appState, authLogger)
	if err != nil {
		return nil, fmt.Errorf("opening auth session: %w", err)
	}

	if cfg.AccessToken != "" {
		if err := session.Seed(cfg.AccessToken, cfg.RefreshToken); err != nil {
			return nil, fmt.Errorf("seeding credential: %w", err)
		}

		authLogger.Info("using configured access token")

		return session, nil
	}

	if session.IsAuthenticated() {
		authLogger.Info("using cached credential")
		return session, nil
	}

	if cfg.Email == "" {
		return nil, fmt.Errorf("no credential cached; set LYO_ACCESS_TOKEN or LYO_EMAIL and LYO_PASSWORD")
	}

	authLogger.Info("signing in", slog.String("email", cfg.Email))

	if err := session.SignIn(ctx, cfg.Email, cfg.Password); err != nil {
		return nil, fmt.Errorf("signing in: %w", err)
	}

	return session, nil
}

func setupNotifications(ctx context.Context, cfg *config.Config, appState *state.State, logger *slog.Logger) (*notify.Scheduler, *notify.Planner, *notify.LocalPlatform, error) {
	notifyLogger := logging.Component(logger, "notify")

	quiet, err := cfg.QuietHours()
	if err != nil {
		return nil, nil, nil, err
	}

	disabled, err := cfg.DisabledTypes()
	if err != nil {
		return nil, nil, nil, err
	}

	platform := notify.NewLocalPlatform(cfg.NotifyAuthorized, notifyLogger)
	scheduler := notify.NewScheduler(platform, appState, notify.NewSettings(quiet, disabled...), notifyLogger)

	platform.OnDeliver(func(req notify.Request, final bool) {
		notifyLogger.Info("notification delivered",
			slog.String("id", req.Identifier),
			slog.String("type", string(req.Content.Type)),
			slog.String("title", req.Content.Title),
		)
		scheduler.HandleDelivered(req, final)
	})

	restored, err := scheduler.Restore(ctx)
	if err != nil {
		notifyLogger.Warn("restoring notifications", slog.String("error", err.Error()))
	} else if restored > 0 {
		notifyLogger.Info("notifications restored", slog.Int("count", restored))
	}

	planner := notify.NewPlanner(scheduler, notifyLogger)

	if cfg.NotifyRulesFile != "" {
		if err := planner.LoadRulesFile(cfg.NotifyRulesFile); err != nil {
			platform.Close()
			return nil, nil, nil, fmt.Errorf("loading notification rules: %w", err)
		}
	}

	return scheduler, planner, platform, nil
}

// trackSessions logs connection lifecycle events and records successful
// connections in the state store.
func trackSessions(ctx context.Context, conn *realtime.Connection, appState *state.State, logger *slog.Logger) {
	events, unsubscribe := conn.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}

			switch ev.Kind {
			case realtime.EventEstablished:
				if err := appState.SetLastConnected(time.Now()); err != nil {
					logger.Warn("failed to record connection", slog.String("error", err.Error()))
				}
			case realtime.EventReconnectExhausted:
				logger.Warn("reconnect attempts exhausted, waiting for an explicit connect")
			case realtime.EventAuthFailed:
				logger.Error("authentication failed, sign in again to reconnect")
			}
		}
	}
}

// runControl serves the HTTP control API and MCP endpoint.
func runControl(ctx context.Context, cfg *config.Config, conn *realtime.Connection, scheduler *notify.Scheduler, logger *slog.Logger) error {
	controlLogger := logging.Component(logger, "control")

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "lyo-realtime", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, conn, scheduler)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	router := server.NewRouter(server.Config{
		Realtime:      conn,
		Notifications: scheduler,
		MCPHandler:    mcpHandler,
		TokenHash:     cfg.ControlTokenHash,
		Logger:        controlLogger,
	})

	if err := server.Serve(ctx, cfg.ControlListenAddr, router, controlLogger); err != nil {
		return fmt.Errorf("control server error: %w", err)
	}

	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}
