package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sfgonsio/AI-Legal-Service/pkg/adapters/wasm"
	"github.com/sfgonsio/AI-Legal-Service/pkg/api"
	"github.com/sfgonsio/AI-Legal-Service/pkg/artifacts"
	"github.com/sfgonsio/AI-Legal-Service/pkg/config"
	"github.com/sfgonsio/AI-Legal-Service/pkg/gateway"
	"github.com/sfgonsio/AI-Legal-Service/pkg/observability"
	"github.com/sfgonsio/AI-Legal-Service/pkg/policy"
	"github.com/sfgonsio/AI-Legal-Service/pkg/run"
	"github.com/sfgonsio/AI-Legal-Service/pkg/store"
)

const wasmModuleKind = "wasm_module"

func runServer(args []string, _, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var addr string
	cmd.StringVar(&addr, "addr", "", "Listen address (default :$PORT)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	if addr == "" {
		addr = ":" + cfg.Port
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, addr); err != nil {
		log.Printf("[govcore] %v", err)
		return 1
	}
	return 0
}

func serve(ctx context.Context, cfg *config.Config, addr string) error {
	db, dialect, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	registry := policy.NewRegistry(policy.NewLoader(cfg.PolicyDir))
	snap, err := registry.Reload(ctx)
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}
	log.Printf("[govcore] policy: lanes=%s roles=%s tools=%s", snap.LaneVersion, snap.RoleVersion, snap.ToolVersion)

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "govcore",
		ServiceVersion: version,
		Environment:    "production",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.OTLPEndpoint != "",
		Insecure:       true,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	arts, err := artifacts.New(ctx, artifacts.Config{
		Type:       artifacts.Type(cfg.ArtifactStorageType),
		DataDir:    cfg.DataDir,
		S3Bucket:   cfg.S3Bucket,
		S3Region:   cfg.S3Region,
		S3Endpoint: cfg.S3Endpoint,
		S3Prefix:   cfg.S3Prefix,
		GCSBucket:  cfg.GCSBucket,
		GCSPrefix:  cfg.GCSPrefix,
	})
	if err != nil {
		return err
	}

	limiter, closeLimiter, err := newLimiter(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeLimiter()

	adapters, modules, err := loadWASMTools(ctx, cfg.WASMToolsDir, arts)
	if err != nil {
		return err
	}
	defer func() {
		for _, m := range modules {
			_ = m.Close(context.Background())
		}
	}()

	runs := store.NewSQLRunStore(db, dialect)
	ledger := store.NewSQLLedger(db, dialect)
	ctrl := run.NewController(runs, ledger, registry)
	gw := gateway.New(ctrl, adapters,
		gateway.WithArtifacts(arts),
		gateway.WithLimiter(limiter),
		gateway.WithObservability(obs),
		gateway.WithDefaultTimeout(cfg.ToolTimeout),
	)

	if cfg.JWTSecret == "" {
		log.Println("[govcore] WARNING: JWT_HS256_SECRET is not set, every /v1 request will be rejected")
	}
	srv := api.NewServer(api.Deps{Runs: ctrl, Gateway: gw, Ledger: ledger, Policies: registry},
		api.WithAuthenticator(api.NewAuthenticator(cfg.JWTSecret)),
		api.WithRateLimiter(api.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)),
	)

	go reloadOnHangup(ctx, registry)

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[govcore] ready: http://localhost%s", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Println("[govcore] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// openDatabase connects to Postgres when DATABASE_URL is set and falls back to
// SQLite (lite mode) otherwise. Tables are migrated either way.
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, store.Dialect, error) {
	var (
		db      *sql.DB
		dialect store.Dialect
		err     error
	)
	if cfg.LiteMode() {
		dialect = store.SQLite
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0750); err != nil {
			return nil, "", fmt.Errorf("failed to create data dir: %w", err)
		}
		log.Printf("[govcore] lite mode: using sqlite at %s", cfg.SQLitePath)
		db, err = store.Open(dialect, cfg.SQLitePath)
	} else {
		dialect = store.Postgres
		db, err = store.Open(dialect, cfg.DatabaseURL)
	}
	if err != nil {
		return nil, "", err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("%s: ping: %w", dialect, err)
	}
	if err := store.Migrate(ctx, db, dialect); err != nil {
		_ = db.Close()
		return nil, "", err
	}
	log.Printf("[govcore] %s: connected", dialect)
	return db, dialect, nil
}

func newLimiter(ctx context.Context, cfg *config.Config) (gateway.LimiterStore, func(), error) {
	if cfg.RedisAddr == "" {
		return gateway.NewLocalLimiter(), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
	}
	log.Printf("[govcore] redis: rate limits shared via %s", cfg.RedisAddr)
	return gateway.NewRedisLimiter(client), func() { _ = client.Close() }, nil
}

// loadWASMTools registers every <tool>.wasm in dir with the artifact store and
// compiles it into a sandboxed adapter. The modules are recorded by content
// hash before they are compiled.
func loadWASMTools(ctx context.Context, dir string, arts artifacts.Store) (*gateway.Adapters, []*wasm.Adapter, error) {
	adapters, err := gateway.NewAdapters()
	if err != nil {
		return nil, nil, err
	}
	if dir == "" {
		return adapters, nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("wasm tools: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".wasm") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var modules []*wasm.Adapter
	closeAll := func() {
		for _, m := range modules {
			_ = m.Close(ctx)
		}
	}
	for _, file := range names {
		tool := strings.TrimSuffix(file, ".wasm")
		data, err := os.ReadFile(filepath.Join(dir, file))
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("wasm tools: %w", err)
		}
		ref, err := artifacts.Register(ctx, arts, wasmModuleKind, data)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("wasm tools: register %s: %w", tool, err)
		}
		ad, err := wasm.Load(ctx, arts, tool, ref, wasm.Config{})
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		modules = append(modules, ad)
		if err := adapters.Register(ad); err != nil {
			closeAll()
			return nil, nil, err
		}
		log.Printf("[govcore] wasm tool %s: %s", tool, ref.ContentHash)
	}
	return adapters, modules, nil
}

func reloadOnHangup(ctx context.Context, registry *policy.Registry) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			snap, err := registry.Reload(ctx)
			if err != nil {
				slog.Error("policy reload failed", "error", err)
				continue
			}
			slog.Info("policy reloaded", "lanes", snap.LaneVersion, "roles", snap.RoleVersion, "tools", snap.ToolVersion)
		}
	}
}
