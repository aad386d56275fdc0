package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/hiapp/hicall/internal/config"
	"github.com/hiapp/hicall/internal/database"
	"github.com/hiapp/hicall/internal/logging"
	"go.uber.org/zap"
)

const usage = "usage: migrate-apply up | down [steps] | goto <version> | force <version> | version"

type command struct {
	name string
	arg  int
}

var errUsage = errors.New(usage)

func parseCommand(args []string) (command, error) {
	if len(args) == 0 {
		return command{}, errUsage
	}

	cmd := command{name: args[0]}

	switch cmd.name {
	case "up", "version":
		if len(args) > 1 {
			return command{}, fmt.Errorf("%w: %s takes no argument", errUsage, cmd.name)
		}
	case "down":
		cmd.arg = 1
		if len(args) > 1 {
			steps, err := strconv.Atoi(args[1])
			if err != nil || steps <= 0 {
				return command{}, fmt.Errorf("%w: invalid step count %q", errUsage, args[1])
			}

			cmd.arg = steps
		}
	case "goto", "force":
		if len(args) != 2 {
			return command{}, fmt.Errorf("%w: %s needs a version", errUsage, cmd.name)
		}

		version, err := strconv.Atoi(args[1])
		if err != nil || version < 0 {
			return command{}, fmt.Errorf("%w: invalid version %q", errUsage, args[1])
		}

		cmd.arg = version
	default:
		return command{}, fmt.Errorf("%w: unknown command %q", errUsage, cmd.name)
	}

	return cmd, nil
}

// migrateLogger prints golang-migrate's progress through zap.
type migrateLogger struct {
	logger *zap.Logger
}

func (l migrateLogger) Printf(format string, v ...any) {
	l.logger.Info("[migrate] " + strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l migrateLogger) Verbose() bool {
	return false
}

func sourceURL(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}

	return "file://" + filepath.ToSlash(abs), nil
}

func apply(migrator *migrate.Migrate, cmd command) error {
	switch cmd.name {
	case "up":
		return migrator.Up()
	case "down":
		return migrator.Steps(-cmd.arg)
	case "goto":
		return migrator.Migrate(uint(cmd.arg))
	case "force":
		return migrator.Force(cmd.arg)
	default:
		return nil
	}
}

func main() {
	err := run(os.Args[1:])
	if err != nil {
		logging.Logger.Fatal("[main] migration failed", zap.String("error", err.Error()))
	}
}

func run(args []string) error {
	cmd, err := parseCommand(args)
	if err != nil {
		return err
	}

	source, err := sourceURL(config.Conf.MigrationsDir)
	if err != nil {
		return fmt.Errorf("migrations dir %q: %w", config.Conf.MigrationsDir, err)
	}

	migrator, err := migrate.New(source, database.URL())
	if err != nil {
		return fmt.Errorf("open migrator for %s: %w", source, err)
	}

	defer func() {
		sourceErr, dbErr := migrator.Close()
		if closeErr := errors.Join(sourceErr, dbErr); closeErr != nil {
			logging.Logger.Warn("[run] failed to close migrator", zap.String("error", closeErr.Error()))
		}
	}()

	migrator.Log = migrateLogger{logger: logging.Logger}

	err = apply(migrator, cmd)
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("%s: %w", cmd.name, err)
	}

	version, dirty, err := migrator.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("read schema version: %w", err)
	}

	logging.Logger.Info("[run] schema at version",
		zap.String("command", cmd.name),
		zap.Uint("version", version),
		zap.Bool("dirty", dirty),
	)

	return nil
}
