// Command paygress runs the compute marketplace service: it wires the
// Admission Pipeline to whichever combination of HTTP, relay, and
// stdio-RPC transports the configuration enables, plus the background
// reaper that reclaims expired pods.
//
// Grounded on the wiring shape of
// _examples/0gfoundation-0g-sandbox-billing/cmd/billing/main.go:
// one *zap.Logger built at startup, config.Load(), a handful of
// goroutines launched before the HTTP server, signal.Notify-driven
// graceful shutdown with a timed context. Also exposes a `genkey`
// subcommand (spec's operator-supplied SERVICE_PRIVATE_KEY has no
// teacher-side keygen tool, so this is adapted from the wider pack's
// cobra CLI convention rather than the teacher, which ships flag-free
// binaries).
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/DhananjayPurohit/paygress/internal/catalog"
	"github.com/DhananjayPurohit/paygress/internal/config"
	"github.com/DhananjayPurohit/paygress/internal/driver"
	"github.com/DhananjayPurohit/paygress/internal/httpapi"
	"github.com/DhananjayPurohit/paygress/internal/identity"
	"github.com/DhananjayPurohit/paygress/internal/ledger"
	"github.com/DhananjayPurohit/paygress/internal/pipeline"
	"github.com/DhananjayPurohit/paygress/internal/ports"
	"github.com/DhananjayPurohit/paygress/internal/reaper"
	"github.com/DhananjayPurohit/paygress/internal/registry"
	"github.com/DhananjayPurohit/paygress/internal/relay"
	"github.com/DhananjayPurohit/paygress/internal/relay/wsrelay"
	"github.com/DhananjayPurohit/paygress/internal/stdiorpc"
)

func main() {
	root := &cobra.Command{
		Use:   "paygress",
		Short: "Payment-gated compute marketplace",
	}
	root.AddCommand(serveCmd(), genkeyCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// serveCmd runs the marketplace service until an interrupt signal.
func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the paygress service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

// genkeyCmd prints a fresh service identity keypair to stdout, for an
// operator to place into SERVICE_PRIVATE_KEY. There is no in-band
// rotation: a new key changes the service's relay address.
func genkeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "genkey",
		Short: "Generate a fresh service keypair and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, err := crypto.GenerateKey()
			if err != nil {
				return fmt.Errorf("generate key: %w", err)
			}
			privHex := hex.EncodeToString(crypto.FromECDSA(priv))
			pubHex := hex.EncodeToString(crypto.CompressPubkey(&priv.PublicKey))
			fmt.Fprintf(cmd.OutOrStdout(), "SERVICE_PRIVATE_KEY=%s\npublic_key=%s\n", privHex, pubHex)
			return nil
		},
	}
}

func runServe() error {
	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load failed", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := identity.LoadService(cfg.Identity.ServicePrivateKey)
	if err != nil {
		log.Fatal("service identity load failed", zap.Error(err))
	}

	led, err := ledger.Open(cfg.Ledger.Path, log)
	if err != nil {
		log.Fatal("ledger open failed", zap.Error(err))
	}
	defer led.Close() //nolint:errcheck

	cat, err := catalog.Load(cfg.Catalog.PodSpecsFile, cfg.Duration.MinSecs, cfg.Duration.MaxSecs)
	if err != nil {
		log.Fatal("catalog load failed", zap.Error(err))
	}

	drv, err := buildDriver(cfg, log)
	if err != nil {
		log.Fatal("driver init failed", zap.Error(err))
	}

	reg := registry.New()
	alloc := ports.New(cfg.Ports.RangeStart, cfg.Ports.RangeEnd)

	pl := &pipeline.Pipeline{
		Catalog:          cat,
		Ledger:           led,
		Ports:            alloc,
		Registry:         reg,
		Driver:           drv,
		ServiceIdentity:  svc,
		WhitelistedMints: cfg.Ledger.WhitelistedMints,
		MinDurationSecs:  cfg.Duration.MinSecs,
		MaxDurationSecs:  cfg.Duration.MaxSecs,
		HostPublicAddr:   cfg.Ports.HostPublicAddr,
		Log:              log,
	}

	reapInterval := time.Duration(cfg.Reaper.IntervalSecs) * time.Second
	rp := reaper.New(reg, alloc, drv, reapInterval, log)
	go rp.Run(ctx)

	var srv *http.Server
	if cfg.Transports.EnableHTTP {
		srv = startHTTP(cfg, pl, cat, log)
	}
	if cfg.Transports.EnableRelay {
		if err := startRelay(ctx, cfg, pl, cat, log); err != nil {
			log.Fatal("relay transport init failed", zap.Error(err))
		}
	}
	if cfg.Transports.EnableStdio {
		go runStdio(ctx, pl, cat, cfg, log)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Info("shutting down...")
	cancel()

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
	}
	log.Info("shutdown complete")
	return nil
}

func buildDriver(cfg *config.Config, log *zap.Logger) (driver.Driver, error) {
	switch cfg.Driver.Kind {
	case "orchestrator":
		return driver.NewOrchestrator(cfg.Driver.OrchestratorURL, cfg.Driver.OrchestratorKey), nil
	case "local-docker":
		return driver.NewDockerCLI("", log), nil
	case "noop":
		return driver.NewNoop(), nil
	default:
		return nil, fmt.Errorf("unknown container driver: %s", cfg.Driver.Kind)
	}
}

func startHTTP(cfg *config.Config, pl *pipeline.Pipeline, cat *catalog.Catalog, log *zap.Logger) *http.Server {
	r := gin.New()
	r.Use(gin.Recovery())

	h := &httpapi.Handler{
		Pipeline:  pl,
		Catalog:   cat,
		Mints:     pl.WhitelistedMints,
		StartedAt: time.Now(),
		Log:       log,
	}
	h.Register(r.Group("/"))

	srv := &http.Server{
		Addr:    cfg.HTTP.Bind,
		Handler: r,
	}
	go func() {
		log.Info("HTTP transport starting", zap.String("bind", cfg.HTTP.Bind))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()
	return srv
}

func startRelay(ctx context.Context, cfg *config.Config, pl *pipeline.Pipeline, cat *catalog.Catalog, log *zap.Logger) error {
	if len(cfg.Relay.URLs) == 0 {
		return fmt.Errorf("relay transport enabled but RELAY_URLS is empty")
	}
	bus, err := wsrelay.Dial(ctx, cfg.Relay.URLs, log)
	if err != nil {
		return fmt.Errorf("dial relays: %w", err)
	}

	dedup := buildDedup(cfg)

	tr := &relay.Transport{
		Bus:             bus,
		Dedup:           dedup,
		Pipeline:        pl,
		ServiceIdentity: pl.ServiceIdentity,
		Catalog:         cat,
		WhitelistedMint: pl.WhitelistedMints,
		Log:             log,
	}
	go func() {
		if err := tr.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("relay transport stopped", zap.Error(err))
		}
	}()
	return nil
}

// buildDedup prefers a Redis-backed dedup cache (surviving restarts
// across a listener fleet) when REDIS_ADDR is configured, falling
// back to an in-memory bounded LRU for a single-instance deployment.
func buildDedup(cfg *config.Config) relay.Dedup {
	if cfg.Redis.Addr == "" {
		return relay.NewLRUDedup(0)
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	return relay.NewRedisDedup(rdb, 0)
}

func runStdio(ctx context.Context, pl *pipeline.Pipeline, cat *catalog.Catalog, cfg *config.Config, log *zap.Logger) {
	s := &stdiorpc.Server{
		Pipeline: pl,
		Catalog:  cat,
		Mints:    pl.WhitelistedMints,
		Log:      log,
	}
	if err := s.Run(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("stdio transport stopped", zap.Error(err))
	}
}
