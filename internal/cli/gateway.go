package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/soyeahso/kristal-gateway/internal/agent"
	"github.com/soyeahso/kristal-gateway/internal/config"
	"github.com/soyeahso/kristal-gateway/internal/credential"
	"github.com/soyeahso/kristal-gateway/internal/gateway"
	"github.com/soyeahso/kristal-gateway/internal/hooks"
	"github.com/soyeahso/kristal-gateway/internal/logging"
	"github.com/soyeahso/kristal-gateway/internal/session"
	"github.com/soyeahso/kristal-gateway/internal/store"
	"github.com/spf13/cobra"
)

type serveFlags struct {
	port    int
	bind    string
	history bool
}

func (f *serveFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.port, "port", 0, "override gateway port")
	cmd.Flags().StringVar(&f.bind, "bind", "", "override bind mode (auto, lan, loopback, custom)")
	cmd.Flags().BoolVar(&f.history, "history", false, "record exchanges to the SQLite history log")
}

func newServeCmd() *cobra.Command {
	var flags serveFlags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(flags)
		},
	}
	flags.register(cmd)
	return cmd
}

func newGatewayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Manage the gateway server",
	}

	var flags serveFlags
	run := &cobra.Command{
		Use:   "run",
		Short: "Start the gateway server (same as serve)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(flags)
		},
	}
	flags.register(run)
	cmd.AddCommand(run)
	return cmd
}

func runGateway(flags serveFlags) error {
	cfg, err := config.Load(paths.Config)
	if err != nil {
		return err
	}
	if flags.port != 0 {
		cfg.Gateway.Port = flags.port
	}
	if flags.bind != "" {
		cfg.Gateway.Bind = flags.bind
	}
	if flags.history {
		cfg.History.Enabled = true
	}
	if issues := config.Validate(&cfg); len(issues) > 0 {
		for _, issue := range issues {
			log.Error().Str("path", issue.Path).Msg(issue.Message)
		}
		return fmt.Errorf("config validation failed with %d issue(s)", len(issues))
	}

	log = configuredLogger(cfg)

	// Block until SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hookMgr := hooks.NewManager(log)
	hookMgr.On(hooks.EventSessionsSwept, "log", func(_ context.Context, p hooks.Payload) error {
		log.Info().Interface("evicted", p.Data["evicted"]).Msg("expired sessions swept")
		return nil
	})

	ac, sessions := newAgentClient(cfg, log, hookMgr)
	opts := []gateway.ServerOption{gateway.WithHooks(hookMgr)}

	if cfg.History.Enabled {
		if err := paths.EnsureDirs(); err != nil {
			return fmt.Errorf("creating state directories: %w", err)
		}
		dbPath := paths.HistoryDB(cfg.History)
		db, err := store.Open(ctx, dbPath, log)
		if err != nil {
			return fmt.Errorf("opening history database: %w", err)
		}
		defer db.Close()

		exchanges := store.NewExchangeLog(db)
		exchanges.Subscribe(hookMgr)
		opts = append(opts, gateway.WithHistory(exchanges))
		log.Info().Str("path", dbPath).Msg("recording exchange history")
	}

	srv := gateway.New(cfg, ac, sessions, log, opts...)
	return srv.Start(ctx)
}

// newAgentClient wires a session registry, the credential chain and the
// agent client from cfg. A nil hook manager disables lifecycle events.
func newAgentClient(cfg config.Config, log *logging.Logger, hookMgr *hooks.Manager) (*agent.Client, *session.Registry) {
	sessions := session.New(cfg.SessionTimeout(),
		session.WithLogger(log),
		session.WithSweepHook(func(evicted int) {
			hookMgr.EmitAsync(context.Background(), hooks.EventSessionsSwept, map[string]any{"evicted": evicted})
		}),
	)

	creds := credential.FromConfig(cfg.Agent, log)
	log.Debug().Strs("sources", creds.Names()).Msg("credential chain")

	ac := agent.New(agent.Config{
		BaseURL:               cfg.Agent.BaseURL,
		RelationshipManagerID: cfg.Agent.RelationshipManagerID,
		CreateTimeout:         cfg.CreateSessionTimeout(),
		QueryTimeout:          cfg.QueryTimeout(),
	}, creds, sessions, log, agent.WithHooks(hookMgr))
	return ac, sessions
}
