// Command migrate applies or rolls back the credential store schema.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/brokerlink/internal/config"
	"github.com/coachpo/brokerlink/internal/persistence/migrations"
)

const (
	defaultTimeout = 30 * time.Second
	dsnEnv         = "BROKERLINK_DATABASE_DSN"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		dsn     = flag.String("database", "", "PostgreSQL DSN; falls back to -config then $"+dsnEnv)
		cfgPath = flag.String("config", "", "Application config whose database.dsn is used when -database is empty")
		dir     = flag.String("path", "", "Directory containing SQL migrations (default: migrations embedded in the binary)")
		timeout = flag.Duration("timeout", defaultTimeout, "Maximum time to wait for database connectivity")
		quiet   = flag.Bool("quiet", false, "Suppress informational logs")
	)
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		return errors.New("command required (up|down [steps])")
	}

	var logger *log.Logger
	if !*quiet {
		logger = log.New(os.Stdout, "brokerlink-migrate ", log.LstdFlags)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	target, err := resolveDSN(ctx, *dsn, *cfgPath)
	if err != nil {
		return err
	}
	path := strings.TrimSpace(*dir)

	switch args[0] {
	case "up":
		if path == "" {
			return migrations.ApplyEmbedded(ctx, target, logger)
		}
		return migrations.Apply(ctx, target, path, logger)
	case "down":
		if path == "" {
			return errors.New("down requires -path; embedded migrations are forward only")
		}
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid down steps %q: %w", args[1], err)
			}
			steps = n
		}
		return migrations.Rollback(ctx, target, path, steps, logger)
	default:
		return fmt.Errorf("unknown command %q (expected up or down)", args[0])
	}
}

func resolveDSN(ctx context.Context, flagDSN, cfgPath string) (string, error) {
	if dsn := strings.TrimSpace(flagDSN); dsn != "" {
		return dsn, nil
	}
	if cfgPath != "" {
		cfg, err := config.Load(ctx, cfgPath)
		if err != nil {
			return "", err
		}
		if cfg.Database.DSN != "" {
			return cfg.Database.DSN, nil
		}
	}
	if dsn := strings.TrimSpace(os.Getenv(dsnEnv)); dsn != "" {
		return dsn, nil
	}
	return "", errors.New("database DSN required (-database, -config or $" + dsnEnv + ")")
}
