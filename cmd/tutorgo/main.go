// Command tutorgo runs the study tutor service.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/spf13/cobra"

	internalobs "github.com/tutorgo-dev/tutorgo/internal/observability"
	"github.com/tutorgo-dev/tutorgo/internal/provider"
	"github.com/tutorgo-dev/tutorgo/internal/server"
	"github.com/tutorgo-dev/tutorgo/pkg/checkpoint"
	"github.com/tutorgo-dev/tutorgo/pkg/config"
	"github.com/tutorgo-dev/tutorgo/pkg/observability"
	"github.com/tutorgo-dev/tutorgo/pkg/session"
	"github.com/tutorgo-dev/tutorgo/pkg/textbook"
)

// Version information (set via ldflags)
var Version = "dev"

var configFile string

var rootCmd = &cobra.Command{
	Use:   "tutorgo",
	Short: "tutorgo - AI study tutor service",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tutor HTTP service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete expired checkpoint generations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sweepOnce()
	},
}

func init() {
	rootCmd.Version = Version
	rootCmd.PersistentFlags().StringVar(&configFile, "config", os.Getenv("TUTORGO_CONFIG"), "configuration file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newStore builds the checkpoint backend selected by the config.
func newStore(cfg *config.Config) (checkpoint.Store, error) {
	switch cfg.Checkpoint.Backend {
	case "redis":
		return checkpoint.NewRedisStore(checkpoint.RedisConfig{
			Addr:     cfg.Checkpoint.RedisAddr,
			Password: cfg.Checkpoint.RedisPassword,
			DB:       cfg.Checkpoint.RedisDB,
			Prefix:   cfg.Checkpoint.RedisPrefix,
		})
	default:
		return checkpoint.NewFileStore(cfg.Checkpoint.BaseDir)
	}
}

func serve() error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log.Printf("Starting tutorgo v%s", Version)

	observability.InitMetrics()
	if err := internalobs.InitFromEnv(); err != nil {
		log.Printf("tracing init: %v", err)
	}

	store, err := newStore(cfg)
	if err != nil {
		return fmt.Errorf("checkpoint store: %w", err)
	}

	books := textbook.NewMemoryStore()

	client := openai.NewClient(cfg.OpenAIKey)
	factory := provider.NewFactory(client, books, provider.Options{
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: float32(cfg.Temperature),
		RateLimit:   cfg.ModelRateLimit,
		RateBurst:   cfg.ModelRateBurst,
	})

	cache := session.NewCache(store, factory, cfg.Session.TTL.Std())

	health := observability.NewHealthChecker()
	health.RegisterCheck(observability.PingCheck())
	if rs, ok := store.(*checkpoint.RedisStore); ok {
		health.RegisterCheck(observability.StoreCheck(rs.Ping))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweeper := session.NewSweeper(cache, cfg.Session.SweepSchedule)
	if err := sweeper.Start(ctx); err != nil {
		return fmt.Errorf("sweeper: %w", err)
	}

	srv := server.New(cfg.Server, cache, books, health)
	errChan := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		log.Printf("Error: %v", err)
	case <-quit:
		log.Println("Shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http server shutdown: %v", err)
	}
	sweeper.Stop()
	if err := cache.Close(); err != nil {
		log.Printf("cache close: %v", err)
	}
	if err := books.Close(); err != nil {
		log.Printf("textbook store close: %v", err)
	}
	if err := internalobs.Shutdown(shutdownCtx); err != nil {
		log.Printf("tracing shutdown: %v", err)
	}

	log.Println("tutorgo stopped")
	return nil
}

// sweepOnce runs a single expiry sweep against the configured backend.
// Nothing is resident in the cache, so every expired generation is
// eligible.
func sweepOnce() error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}

	store, err := newStore(cfg)
	if err != nil {
		return fmt.Errorf("checkpoint store: %w", err)
	}

	factory := func(string) (session.Stepper, error) {
		return nil, fmt.Errorf("sessions cannot run during sweep")
	}
	cache := session.NewCache(store, factory, cfg.Session.TTL.Std())
	defer cache.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	stats, err := cache.SweepExpired(ctx)
	if err != nil {
		return err
	}
	log.Printf("sweep: deleted=%d skipped_live=%d failed=%d", stats.Deleted, stats.SkippedLive, stats.Failed)
	return nil
}
