package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sazanami-p2p/sazanami/internal/accesslist"
	"github.com/sazanami-p2p/sazanami/internal/config"
	"github.com/sazanami-p2p/sazanami/internal/httptracker"
	"github.com/sazanami-p2p/sazanami/internal/logging"
	"github.com/sazanami-p2p/sazanami/internal/stats"
	"github.com/sazanami-p2p/sazanami/internal/tracker"
	"github.com/sazanami-p2p/sazanami/internal/wstracker"
)

// startCmd represents the start command
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the tracker",
	Long: `Start the tracker with the specified configuration.

Examples:
  # Start with built-in defaults
  sazanami start

  # Start with a specific config
  sazanami start --config tracker.yaml`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting sazanami",
		zap.String("version", Version),
		zap.Strings("udp_addrs", cfg.UDP.ListenAddrs),
		zap.Int("socket_workers", cfg.UDP.SocketWorkers),
		zap.Int("state_workers", cfg.UDP.StateWorkers),
	)

	agg := stats.NewAggregator(logger, cfg.UDP.StateWorkers)

	access, err := accesslist.New(logger, accesslist.Mode(cfg.AccessList.Mode), cfg.AccessList.Path)
	if err != nil {
		return fmt.Errorf("failed to load access list: %w", err)
	}

	engine, err := tracker.NewServer(logger, cfg, agg, access)
	if err != nil {
		return fmt.Errorf("failed to create tracker: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return engine.Run(gctx) })

	if cfg.AccessList.Mode != string(accesslist.ModeNone) {
		g.Go(func() error { return access.Watch(gctx) })
	}

	if cfg.HTTP.Enabled {
		front, err := httptracker.NewServer(logger, cfg.HTTP, cfg.UDP.MaxScrapeHashes, engine, agg)
		if err != nil {
			return fmt.Errorf("failed to create http tracker: %w", err)
		}
		g.Go(func() error { return front.Run(gctx) })
	}

	if cfg.WebSocket.Enabled {
		ws := wstracker.NewServer(logger, cfg.WebSocket, agg, access)
		g.Go(func() error { return ws.Run(gctx) })
	}

	if cfg.Metrics.Enabled {
		metrics := stats.NewServer(logger, cfg.Metrics.ListenAddr, agg)
		g.Go(func() error { return metrics.Run(gctx) })
		g.Go(func() error {
			agg.Run(gctx, cfg.Metrics.SnapshotInterval)
			return nil
		})
	}

	err = g.Wait()
	logger.Info("sazanami stopped")
	return err
}
