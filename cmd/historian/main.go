// cmd/historian/main.go is an asynchronous historian service that pops round actions
// from a Redis queue and persists them to a PostgreSQL database.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/MyCoolDev/CompetitiveSudoku/internal/cache"
	"github.com/MyCoolDev/CompetitiveSudoku/internal/config"
	"github.com/MyCoolDev/CompetitiveSudoku/internal/historian"
	_ "github.com/joho/godotenv/autoload"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var migrate bool

var rootCmd = &cobra.Command{
	Use:          "sudoku-historian",
	Short:        "Persist round history from Redis into Postgres",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(config.LoadHistorian())
	},
}

func init() {
	rootCmd.Flags().BoolVar(&migrate, "migrate", true, "Create the history tables if they are missing")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfg config.Historian) error {
	log.SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cache.ConnectRedis(cfg.RedisAddr, cfg.RedisDB); err != nil {
		return err
	}
	defer cache.Rdb.Close()

	pool, err := historian.ConnectPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	sink := historian.NewPostgresSink(pool)
	if migrate {
		if err := sink.EnsureSchema(ctx); err != nil {
			return err
		}
	}

	source := &historian.RedisSource{Client: cache.Rdb, Queue: cfg.QueueName}
	hs := historian.NewService(source, sink, cfg.BatchSize, cfg.FlushDelay)
	log.Infof("Draining %q every %s or %d actions", cfg.QueueName, cfg.FlushDelay, cfg.BatchSize)
	return hs.Run(ctx)
}
