// Command authgate-migrate applies the embedded session schema migrations.
//
//	authgate-migrate [-config path] [-dsn url] up|down|status|version|redo|reset
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/propono/authgate/internal/config"
	"github.com/propono/authgate/internal/obs"
	"github.com/propono/authgate/session"
)

func main() {
	var (
		path = flag.String("config", os.Getenv("AUTHGATE_CONFIG"), "yaml config file")
		dsn  = flag.String("dsn", "", "postgres url; overrides store.postgres.dsn")
	)
	flag.Parse()

	command := flag.Arg(0)
	if command == "" {
		command = "up"
	}

	if err := run(*path, *dsn, command); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(path, dsn, command string) error {
	if dsn == "" {
		cfg, err := config.Read(path)
		if err != nil {
			return err
		}
		dsn = cfg.Store.Postgres.DSN
	}

	log, err := obs.NewLogger(obs.LogConfig{Level: "info", App: "authgate-migrate"})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := session.OpenMigrationDB(dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	log.Info("running migrations", zap.String("command", command))
	if err := session.Migrate(ctx, db, command); err != nil {
		return err
	}
	log.Info("migrations done", zap.String("command", command))
	return nil
}
