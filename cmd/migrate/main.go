package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"tailspin.org/internal/config"
	"tailspin.org/internal/migrate"
	"tailspin.org/internal/obs"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := obs.Configure(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	var (
		dsn            = flag.String("dsn", cfg.Postgres.DSN, "PostgreSQL DSN")
		migrationsPath = flag.String("migrations", "", "Path to SQL migrations (defaults to the embedded schema)")
	)
	flag.Parse()

	if *dsn == "" {
		logger.Fatal("missing DSN: provide via -dsn or TAILSPIN_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		logger.Fatal("usage: migrate [up|down|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		logger.Fatal("open db", zap.Error(err))
	}
	defer db.Close()

	migrations := migrate.Embedded()
	if *migrationsPath != "" {
		migrations = os.DirFS(*migrationsPath)
	}
	mgr := migrate.NewManager(db, migrations, logger)

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "status":
		var status []migrate.Migration
		status, err = mgr.Status(ctx)
		if err == nil {
			for _, m := range status {
				if m.Applied {
					fmt.Printf("applied  %s  %s\n", m.Name, m.AppliedAt.Format(time.RFC3339))
				} else {
					fmt.Printf("pending  %s\n", m.Name)
				}
			}
		}
	default:
		logger.Fatal("unknown command", zap.String("command", flag.Arg(0)))
	}
	if err != nil {
		logger.Fatal("migrate failed", zap.String("command", flag.Arg(0)), zap.Error(err))
	}
	logger.Info("migrate done", zap.String("command", flag.Arg(0)))
}
