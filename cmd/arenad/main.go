package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/agentarena/server/internal/config"
	"github.com/agentarena/server/internal/game"
	"github.com/agentarena/server/internal/instance"
	"github.com/agentarena/server/internal/persist"
	"github.com/agentarena/server/internal/scripting"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// ── Startup display helpers ────────────────────────────────────────

func printBanner(serverName string) {
	fmt.Println()
	fmt.Println("\033[36;1m  ┌───────────────────────────────────────────┐\033[0m")
	fmt.Println("\033[36;1m  │\033[0m           agent-arena  v0.1.0             \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  │\033[0m      hosted game instance runtime         \033[36;1m│\033[0m")
	fmt.Println("\033[36;1m  └───────────────────────────────────────────┘\033[0m")
	fmt.Println()
	fmt.Printf("  \033[1mserver:\033[0m %s\n\n", serverName)
}

func printSection(title string) {
	lineLen := 46 - len(title) - 1
	if lineLen < 3 {
		lineLen = 3
	}
	fmt.Printf("  \033[33m── %s %s\033[0m\n", title, strings.Repeat("─", lineLen))
}

func printStat(label string, count int) {
	numStr := fmt.Sprintf("%d", count)
	dotsLen := 42 - len(label) - len(numStr)
	if dotsLen < 3 {
		dotsLen = 3
	}
	fmt.Printf("  %s \033[90m%s\033[0m \033[32m%s\033[0m\n", label, strings.Repeat("·", dotsLen), numStr)
}

func printOK(msg string) {
	fmt.Printf("  \033[32m✓\033[0m %s\n", msg)
}

func printReady(msg string) {
	fmt.Printf("  \033[32m▶\033[0m %s\n", msg)
}

// ── Main server logic ─────────────────────────────────────────────

func run() error {
	// 1. Load config
	cfgPath := "config/server.toml"
	if p := os.Getenv("ARENA_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Init logger
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	printBanner(cfg.Server.Name)

	// 3. Datastore backend: PostgreSQL when a DSN is configured,
	// in-memory otherwise.
	printSection("datastore")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var store scripting.DataStore
	if cfg.Database.DSN != "" {
		db, err := persist.NewDB(ctx, cfg.Database, log)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer db.Close()
		printOK("PostgreSQL connected")

		if err := persist.RunMigrations(ctx, db.Pool); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		printOK("migrations applied")
		store = persist.NewDataStoreRepo(db)
	} else {
		store = persist.NewMemoryStore()
		printOK("in-memory store (no dsn configured)")
	}
	fmt.Println()

	// 4. Load game definitions
	printSection("game catalog")

	defs, err := game.LoadAll(cfg.Games.Dir)
	if err != nil {
		return fmt.Errorf("load games: %w", err)
	}
	printStat("game definitions", len(defs))
	fmt.Println()

	// 5. Instance manager
	mgr := instance.NewManager(instance.ManagerConfig{
		MaxInstances: cfg.Runtime.MaxInstances,
		TickRate:     cfg.Runtime.TickRate,
		ScriptBudget: cfg.Runtime.ScriptBudget,
		QueueLimit:   cfg.Runtime.QueueLimit,
	}, store, log)

	// 6. Spin up one instance per definition
	for _, def := range defs {
		id, err := mgr.Create(def)
		if err != nil {
			return fmt.Errorf("create instance for %s: %w", def.ID, err)
		}
		log.Info("instance started",
			zap.String("game", def.Name),
			zap.String("instance_id", id))
	}

	printSection("server ready")
	printReady(fmt.Sprintf("tick rate %s, script budget %s", cfg.Runtime.TickRate, cfg.Runtime.ScriptBudget))
	printStat("running instances", mgr.InstanceCount())
	fmt.Println()

	// 7. Wait for shutdown
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-shutdownCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))
	mgr.Shutdown()
	log.Info("server stopped")
	return nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapCfg zap.Config
	if cfg.Format == "json" {
		zapCfg = zap.NewProductionConfig()
	} else {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zapCfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		zapCfg.EncoderConfig.ConsoleSeparator = "  "
		zapCfg.DisableCaller = true
		zapCfg.DisableStacktrace = true
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	return zapCfg.Build()
}
