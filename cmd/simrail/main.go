package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"railhub.dev/simrail"
	"railhub.dev/simrail/bus"
	"railhub.dev/simrail/points"
	"railhub.dev/simrail/storage"
)

var rootCmd = &cobra.Command{
	Use:          "simrail",
	Short:        "SimRail collector",
	Long:         "Mirrors the live state of the SimRail multiplayer servers",
	SilenceUsage: true,
	RunE:         run,
}

var (
	panelURL   string
	awsURL     string
	pointsFile string
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&panelURL, "panel-url", "", "https://panel.simrail.eu:8084", "panel API base URL")
	rootCmd.PersistentFlags().StringVarP(&awsURL, "aws-url", "", "https://api1.aws.simrail.eu:8082/api", "AWS API base URL")
	rootCmd.PersistentFlags().StringVarP(&pointsFile, "points", "", "points.json", "reference data file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func buildStorage() (storage.Storage, error) {
	if conn := os.Getenv("POSTGRES_CONN"); conn != "" {
		return storage.NewPSQLStorage(storage.PSQLConfig{ConnStr: conn})
	}
	return storage.NewSQLiteStorage(storage.SQLiteConfig{OnDisk: true, Directory: "."})
}

func run(cmd *cobra.Command, args []string) error {
	// Missing .env is fine; everything can come from the environment.
	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := buildStorage()
	if err != nil {
		return err
	}
	defer store.Close()

	provider, err := points.LoadFile(pointsFile)
	if err != nil {
		return err
	}

	cfg := simrail.Config{
		PanelURL: panelURL,
		AWSURL:   awsURL,
		Storage:  store,
		Points:   provider,
		Logger:   logger,
	}

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		cfg.Redis = redis.NewClient(opts)
		defer cfg.Redis.Close()
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		b, err := bus.Connect(natsURL, logger.Named("bus"))
		if err != nil {
			return err
		}
		defer b.Close()
		cfg.Bus = b
	}

	manager, err := simrail.NewManager(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("collector starting")
	if err := manager.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}
