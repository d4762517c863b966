// Command acars-relay runs the relay server and a few store administration
// commands.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/a-essam23/acars-relay/internal/metrics"
	"github.com/a-essam23/acars-relay/internal/server"
	"github.com/a-essam23/acars-relay/internal/station"
	"github.com/a-essam23/acars-relay/pkg/config"
	"github.com/a-essam23/acars-relay/pkg/logging"
	"github.com/a-essam23/acars-relay/pkg/state/statemanager"
	"github.com/a-essam23/acars-relay/pkg/store"
	"github.com/a-essam23/acars-relay/pkg/store/memory"
	"github.com/a-essam23/acars-relay/pkg/store/sqlitestore"
)

var configFile string

var (
	rootCmd = &cobra.Command{
		Use:           "acars-relay",
		Short:         "ACARS, CPDLC and telex relay for flight simulation clients.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Starts the websocket gateway.",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	userCmd = &cobra.Command{
		Use:   "user",
		Short: "Manages user accounts.",
	}

	userAddCmd = &cobra.Command{
		Use:   "add <username> <token>",
		Short: "Creates a user that authenticates with token.",
		Args:  cobra.ExactArgs(2),
		RunE: withStore(func(ctx context.Context, _ *slog.Logger, _ *config.Config, st store.Store, args []string) error {
			u, err := st.CreateUser(ctx, args[0], args[1])
			if err != nil {
				return fmt.Errorf("creating user %s: %w", args[0], err)
			}
			fmt.Println(u.ID)
			return nil
		}),
	}

	userLinkCmd = &cobra.Command{
		Use:   "link <user-id> <hoppie-logon>",
		Short: "Links an external network logon code to a user.",
		Args:  cobra.ExactArgs(2),
		RunE: withStore(func(ctx context.Context, _ *slog.Logger, _ *config.Config, st store.Store, args []string) error {
			cred := store.Credential{Provider: store.ProviderHoppie, Secret: args[1]}
			if err := st.LinkCredential(ctx, args[0], cred); err != nil {
				return fmt.Errorf("linking credential to %s: %w", args[0], err)
			}
			return nil
		}),
	}

	stationCmd = &cobra.Command{
		Use:   "station",
		Short: "Manages stations.",
	}

	stationDeleteCmd = &cobra.Command{
		Use:   "delete <code>",
		Short: "Deletes a station and its messages, detaching any owner.",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(ctx context.Context, logger *slog.Logger, cfg *config.Config, st store.Store, args []string) error {
			alloc := station.NewAllocator(logger, st, statemanager.NewInMemoryManager(logger), station.Config{
				MailboxPolicy: cfg.Station.MailboxPolicy,
			}, metrics.New(prometheus.NewRegistry()))
			defer alloc.Shutdown()

			deleted, err := alloc.DeleteByCode(ctx, args[0])
			if err != nil {
				return fmt.Errorf("deleting station %s: %w", args[0], err)
			}
			if !deleted {
				return fmt.Errorf("station %s not found", store.NormalizeCode(args[0]))
			}
			return nil
		}),
	}
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "config", "configuration file name or path")
	flags.String("address", "", "listen address, overrides server.address")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("db", "", "sqlite database path, overrides store.path")

	userCmd.AddCommand(userAddCmd, userLinkCmd)
	stationCmd.AddCommand(stationDeleteCmd)
	rootCmd.AddCommand(serveCmd, userCmd, stationCmd)
}

// setup loads configuration and builds the logger it asks for.
func setup(cmd *cobra.Command) (*slog.Logger, *config.Config, error) {
	bootLogger := logging.New(slog.LevelInfo)
	cfg, err := config.Load(bootLogger, configFile, cmd.Flags())
	if err != nil {
		return nil, nil, fmt.Errorf("loading configuration: %w", err)
	}
	logger := logging.NewWithFormat(os.Stdout, logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)
	slog.SetDefault(logger)
	return logger, cfg, nil
}

func openStore(logger *slog.Logger, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		logger.Warn("using in-memory store, data is lost on exit")
		return memory.New(), nil
	default:
		st, err := sqlitestore.Open(sqlitestore.Config{Path: cfg.Path, PoolSize: cfg.PoolSize, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", cfg.Path, err)
		}
		return st, nil
	}
}

type storeCommand func(ctx context.Context, logger *slog.Logger, cfg *config.Config, st store.Store, args []string) error

func withStore(fn storeCommand) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		logger, cfg, err := setup(cmd)
		if err != nil {
			return err
		}
		st, err := openStore(logger, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close()
		return fn(cmd.Context(), logger, cfg, st, args)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger, cfg, err := setup(cmd)
	if err != nil {
		return err
	}
	st, err := openStore(logger, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Error("closing store failed", slog.Any("error", err))
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := server.NewApp(logger, cfg, st)
	if err := app.Run(ctx); err != nil {
		return fmt.Errorf("running server: %w", err)
	}
	logger.Info("application shut down successfully")
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		slog.Error("command failed", slog.Any("error", err))
		os.Exit(1)
	}
}
