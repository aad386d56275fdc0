package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hiapp/hicall/internal/config"
	"github.com/hiapp/hicall/internal/logging"
	"go.uber.org/zap"
)

const usage = "usage: hicall call <peer-id> | listen | history"

func main() {
	err := validateArgs(os.Args[1:], config.Conf.UserID)
	if err != nil {
		logging.Logger.Fatal("[main] invalid invocation", zap.String("error", err.Error()), zap.String("usage", usage))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := newClient(ctx, config.Conf.UserID)
	if err != nil {
		logging.Logger.Fatal("[main] failed to start hicall client", zap.String("error", err.Error()))
	}

	switch os.Args[1] {
	case "call":
		err = client.call(ctx, os.Args[2])
	case "listen":
		err = client.listen(ctx)
	case "history":
		err = client.printHistory(ctx)
	}

	shutdownErr := client.shutdown(context.WithoutCancel(ctx))

	err = errors.Join(err, shutdownErr)
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.Logger.Fatal("[main] hicall exited with error", zap.String("error", err.Error()))
	}
}

var errUsage = errors.New("invalid arguments")

// validateArgs checks the command line before any backend is dialed.
func validateArgs(args []string, userID string) error {
	if userID == "" {
		return errors.New("USER_ID is required")
	}

	if len(args) == 0 {
		return errUsage
	}

	switch args[0] {
	case "call":
		if len(args) < 2 || args[1] == "" {
			return fmt.Errorf("%w: call needs a peer id", errUsage)
		}

		if args[1] == userID {
			return fmt.Errorf("%w: cannot call yourself", errUsage)
		}
	case "listen", "history":
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}

	return nil
}
