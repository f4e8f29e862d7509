package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/liamcoop/hearth/internal/logger"
)

func main() {
	var (
		databaseURL    string
		migrationsPath string
		command        string
		steps          int
	)

	flag.StringVar(&databaseURL, "database", "", "Database URL (defaults to DATABASE_URL)")
	flag.StringVar(&migrationsPath, "path", "migrations", "Path to migrations directory")
	flag.StringVar(&command, "command", "up", "Migration command: up, down, steps, version, force")
	flag.IntVar(&steps, "n", 0, "Number of migrations for the steps command (negative rolls back)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		logger.Fatal("database URL is required: use -database or DATABASE_URL")
	}

	logger.Info("connecting to database", "migrations", migrationsPath)
	m, err := migrate.New(fmt.Sprintf("file://%s", migrationsPath), databaseURL)
	if err != nil {
		logger.Fatal("failed to create migration instance", "error", err)
	}
	defer m.Close()

	if err := run(m, command, steps, flag.Args()); err != nil {
		logger.Fatal("migration failed", "command", command, "error", err)
	}
}

func run(m *migrate.Migrate, command string, steps int, args []string) error {
	switch command {
	case "up":
		return noChangeOK(m.Up(), "hearth schema is up to date")

	case "down":
		return noChangeOK(m.Down(), "nothing to roll back")

	case "steps":
		if steps == 0 {
			return errors.New("steps requires -n with a non-zero value")
		}
		return noChangeOK(m.Steps(steps), "no migrations to apply")

	case "version":
		version, dirty, err := m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			logger.Info("no migrations applied yet")
			return nil
		}
		if err != nil {
			return err
		}
		logger.Info("current schema version", "version", version, "dirty", dirty)
		return nil

	case "force":
		if len(args) < 1 {
			return errors.New("force requires a version argument: -command force <version>")
		}
		version, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version number %q: %w", args[0], err)
		}
		if err := m.Force(version); err != nil {
			return err
		}
		logger.Info("forced schema version", "version", version)
		return nil
	}
	return fmt.Errorf("unknown command %q (use: up, down, steps, version, force)", command)
}

func noChangeOK(err error, msg string) error {
	if errors.Is(err, migrate.ErrNoChange) {
		logger.Info(msg)
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info("migrations applied")
	return nil
}
