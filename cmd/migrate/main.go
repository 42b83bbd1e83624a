// Команда migrate применяет и откатывает схему PostgreSQL сервиса заказов.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/stockorders/internal/storage/postgres"
)

const defaultTimeout = 30 * time.Second

// schemaMigrator - часть postgres.Store, нужная команде.
type schemaMigrator interface {
	MigrateUp(ctx context.Context, steps int) error
	MigrateDown(ctx context.Context, steps int) error
	MigrationStatus(ctx context.Context) (int64, int, error)
	Close() error
}

type openFunc func(ctx context.Context, dsn string) (schemaMigrator, error)

func openPostgres(ctx context.Context, dsn string) (schemaMigrator, error) {
	store, err := postgres.Open(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.LookupEnv, os.Stdout, openPostgres); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.WithError(err).Fatal("migration failed")
	}
}

func run(ctx context.Context, args []string, lookup func(string) (string, bool), out io.Writer, open openFunc) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(out)
	direction := fs.String("direction", "up", "migration direction: up|down|status")
	steps := fs.Int("steps", 0, "number of migrations to apply/rollback (0=all for up, 1 for down)")
	dsn := fs.String("dsn", "", "PostgreSQL DSN (fallback: OMS_POSTGRES_DSN)")
	timeout := fs.Duration("timeout", defaultTimeout, "overall migration timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if strings.TrimSpace(*dsn) == "" {
		if value, ok := lookup("OMS_POSTGRES_DSN"); ok {
			*dsn = strings.TrimSpace(value)
		}
	}
	if strings.TrimSpace(*dsn) == "" {
		return errors.New("OMS_POSTGRES_DSN (or -dsn) is required")
	}
	if *steps < 0 {
		return fmt.Errorf("steps must be >= 0, got %d", *steps)
	}

	mode := strings.ToLower(strings.TrimSpace(*direction))
	switch mode {
	case "up", "down", "status":
	default:
		return fmt.Errorf("unsupported direction: %s (use up|down|status)", *direction)
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	store, err := open(ctx, strings.TrimSpace(*dsn))
	if err != nil {
		return fmt.Errorf("open postgres store: %w", err)
	}
	defer store.Close()

	logger := log.WithFields(log.Fields{"direction": mode, "steps": *steps})
	switch mode {
	case "up":
		if err := store.MigrateUp(ctx, *steps); err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
	case "down":
		if *steps == 0 {
			*steps = 1
		}
		if err := store.MigrateDown(ctx, *steps); err != nil {
			return fmt.Errorf("migrate down: %w", err)
		}
	}

	version, count, err := store.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("migration status: %w", err)
	}
	logger.WithFields(log.Fields{"version": version, "applied": count}).Debug("migration finished")
	_, _ = fmt.Fprintf(out, "migrate %s ok: version=%d applied=%d\n", mode, version, count)
	return nil
}
