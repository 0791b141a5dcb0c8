package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"ledgerd/internal/app"
	"ledgerd/internal/backup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		cfgPath  string
		envFile  string
		once     bool
		verify   string
		stopWait time.Duration
	)
	flagSet := pflag.NewFlagSet("ledgerd", pflag.ContinueOnError)
	flagSet.StringVarP(&cfgPath, "config", "c", "", "path to config (yaml or json); defaults to $LEDGERD_CONFIG or ./config.yaml")
	flagSet.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	flagSet.BoolVar(&once, "once", false, "run a single catch-up pass and exit")
	flagSet.StringVar(&verify, "verify", "", "verify a backup file against its checksum and exit")
	flagSet.DurationVar(&stopWait, "stop-timeout", 45*time.Second, "graceful shutdown budget")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	if verify != "" {
		return verifyBackup(verify)
	}

	// A missing dotenv file is normal outside development.
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", envFile, err)
	}
	if cfgPath == "" {
		cfgPath = os.Getenv("LEDGERD_CONFIG")
	}
	if cfgPath == "" {
		cfgPath = "./config.yaml"
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}

	if once {
		rep, runErr := a.RunOnce(ctx)
		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopWait)
		defer stopCancel()
		stopErr := a.Stop(stopCtx, app.StopOnce)
		if runErr != nil {
			return runErr
		}
		if err := rep.Err(); err != nil {
			return err
		}
		return stopErr
	}

	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopSIGTERM
	select {
	case <-ctx.Done():
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopWait)
	defer stopCancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	return a.Err()
}

func verifyBackup(path string) error {
	if err := backup.Verify(path); err != nil {
		return err
	}
	records, err := backup.ReadFile(path)
	if err != nil {
		return err
	}
	fmt.Printf("%s: ok, %d records\n", path, len(records))
	return nil
}
