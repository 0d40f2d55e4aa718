package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cosmossdk.io/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openalpha/tradesim/api"
	"github.com/openalpha/tradesim/config"
	"github.com/openalpha/tradesim/lesson"
	"github.com/openalpha/tradesim/session"
	"github.com/openalpha/tradesim/store"
)

const reapInterval = time.Minute

// NewRootCmd builds the tradesimd command tree.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tradesimd",
		Short: "Classroom trading simulation server",
		Long: `tradesimd runs multi-user trading simulation sessions for finance
education: instructors load lesson plans, students trade against a real
order book, and every session event is streamed and persisted.`,
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newLessonCmd())
	return rootCmd
}

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
		storePath  string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the simulation server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if cmd.Flags().Changed("store") {
				cfg.Store.Path = storePath
			}
			return serve(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "listen port")
	cmd.Flags().StringVar(&storePath, "store", "", "path to the SQLite audit store")
	return cmd
}

func newLessonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lesson",
		Short: "Lesson plan utilities",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a lesson plan file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := lesson.Load(args[0])
			if err != nil {
				return err
			}
			cmd.Printf("lesson %s: %d securities, %d scripted steps, duration %s\n",
				plan.LessonID, len(plan.Securities), len(plan.Script), plan.Duration())
			return nil
		},
	})
	return cmd
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func serve(cfg *config.Config) error {
	filter, err := log.ParseLogLevel(cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("bad log level %q: %w", cfg.Logging.Level, err)
	}
	logger := log.NewLogger(os.Stderr, log.FilterOption(filter))

	var sink session.EventSink
	var auditStore *store.Sink
	if !cfg.Store.Disabled {
		auditStore, err = store.Open(cfg.Store.Path, logger)
		if err != nil {
			return err
		}
		sink = auditStore
	}

	sup := session.NewSupervisor(sink, logger)
	srv := api.NewServer(&api.Config{
		Host:             cfg.Server.Host,
		Port:             cfg.Server.Port,
		ReadTimeout:      cfg.Server.ReadTimeout,
		WriteTimeout:     cfg.Server.WriteTimeout,
		DisableRateLimit: cfg.Server.DisableRateLimit,
	}, sup, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(reapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sup.Reap()
			case <-ctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			logger.Error("server shutdown", "err", err)
		}

		sup.Shutdown()
		if auditStore != nil {
			if err := auditStore.Close(); err != nil {
				logger.Error("store close", "err", err)
			}
		}
		return nil
	})

	return g.Wait()
}
