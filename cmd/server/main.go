// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/MyCoolDev/CompetitiveSudoku/internal/auth"
	"github.com/MyCoolDev/CompetitiveSudoku/internal/cache"
	"github.com/MyCoolDev/CompetitiveSudoku/internal/config"
	"github.com/MyCoolDev/CompetitiveSudoku/internal/database"
	"github.com/MyCoolDev/CompetitiveSudoku/internal/handlers"
	"github.com/MyCoolDev/CompetitiveSudoku/internal/lobby"
	"github.com/MyCoolDev/CompetitiveSudoku/internal/pool"
	"github.com/MyCoolDev/CompetitiveSudoku/internal/protocol"
	"github.com/MyCoolDev/CompetitiveSudoku/internal/puzzle"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	flagHost    string
	flagPort    int
	flagProfile string
)

var rootCmd = &cobra.Command{
	Use:          "sudoku-server",
	Short:        "Run the competitive sudoku game server",
	Long:         "Accept game clients over TCP (and optionally websockets) and host sudoku lobbies.",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if cmd.Flags().Changed("host") {
			cfg.Host = flagHost
		}
		if cmd.Flags().Changed("port") {
			cfg.Port = flagPort
		}
		if cmd.Flags().Changed("profile") {
			cfg.Profile = config.NormalizeProfile(flagProfile)
		}
		return run(cfg)
	},
}

func init() {
	rootCmd.Flags().StringVar(&flagHost, "host", "127.0.0.1", "Address to bind (overrides HOST)")
	rootCmd.Flags().IntVar(&flagPort, "port", 8080, "TCP port (overrides PORT)")
	rootCmd.Flags().StringVar(&flagProfile, "profile", config.ProfileOfficial, "Data profile, Official or Tests (overrides DB_PROFILE)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	logger := logrus.New()
	logger.SetLevel(cfg.LogLevel)
	logrus.SetLevel(cfg.LogLevel)

	store, err := database.Open(cfg.DataDir, cfg.Profile)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Infof("Using data profile %s at %s", cfg.Profile, store.Dir())

	tokens, err := newTokenIssuer(cfg)
	if err != nil {
		return err
	}

	security, err := protocol.NewSecurity(cfg.TransportSecurity, cfg.MaxFrameBytes)
	if err != nil {
		return err
	}

	if cfg.RedisAddr != "" {
		cache.QueueName = cfg.QueueName
		if err := cache.ConnectRedis(cfg.RedisAddr, cfg.RedisDB); err != nil {
			logger.Warnf("Round history disabled: %v", err)
		} else {
			defer cache.Rdb.Close()
			logger.Infof("Publishing round history to Redis list %q", cache.QueueName)
		}
	}

	lobbies := lobby.NewManager(
		puzzle.NewGenerator(uint64(time.Now().UnixNano())),
		store,
		lobby.Config{
			RoundDuration: cfg.RoundDuration,
			PollInterval:  cfg.RoundPollInterval,
			Difficulty:    cfg.PuzzleDifficulty,
		},
	)

	workers := pool.New(cfg.MaxClients, cfg.QueueSize)
	defer workers.Shutdown(false)

	srv := handlers.NewServer(logger, handlers.Deps{
		Store:        store,
		Hasher:       auth.NewPasswordHasher(auth.Params),
		Tokens:       tokens,
		Lobbies:      lobbies,
		Security:     security,
		Workers:      workers,
		WriteTimeout: cfg.WriteTimeout,
		RateLimit:    cfg.RateLimit,
		RateBurst:    cfg.RateBurst,
	})
	defer srv.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(gctx, ln) })

	if cfg.WSAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/ws", srv.WSHandler())
		httpSrv := &http.Server{
			Addr:              cfg.WSAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Infof("Websocket listener on %s/ws", cfg.WSAddr)
			if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	logger.Info("Shutting down")
	return err
}

func newTokenIssuer(cfg config.Config) (*auth.TokenIssuer, error) {
	if cfg.TokenPrivateKeyPath != "" || cfg.TokenPublicKeyPath != "" {
		return auth.NewTokenIssuerFromPath(cfg.TokenPrivateKeyPath, cfg.TokenPublicKeyPath, cfg.TokenTTL)
	}
	return auth.NewTokenIssuer(cfg.TokenTTL)
}
