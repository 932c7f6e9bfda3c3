package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/urfave/cli/v2"

	"notifyd/internal/app"
	"notifyd/internal/config"
	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

func main() {
	cliApp := &cli.App{
		Name:  "notifyd",
		Usage: "deliver push and email notifications for newly created records",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "./config.yaml",
				Usage:   "path to config file (yaml or json)",
				EnvVars: []string{"NOTIFYD_CONFIG"},
			},
			&cli.DurationFlag{
				Name:  "stop-timeout",
				Value: 20 * time.Second,
				Usage: "upper bound for graceful shutdown",
			},
		},
		Action: run,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "run the notification daemon (default)",
				Action: run,
			},
			{
				Name:   "migrate",
				Usage:  "apply storage migrations and exit",
				Action: migrate,
			},
			{
				Name:   "check",
				Usage:  "validate the config file and exit",
				Action: check,
			},
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newManager(c *cli.Context) (*config.Manager, error) {
	cfgm := config.NewManager(c.String("config"))
	secrets, err := config.LoadSecrets()
	if err != nil {
		return nil, err
	}
	cfgm.SetSecrets(secrets)
	return cfgm, nil
}

func run(c *cli.Context) error {
	ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfgm, err := newManager(c)
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfgm)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, stop := context.WithTimeout(context.Background(), c.Duration("stop-timeout"))
		defer stop()
		_ = a.Stop(stopCtx, "start failed")
		return err
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	reason := "signal"
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = "fatal error"
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stop := context.WithTimeout(context.Background(), c.Duration("stop-timeout"))
	defer stop()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	return a.Err()
}

func migrate(c *cli.Context) error {
	cfgm, err := newManager(c)
	if err != nil {
		return err
	}
	cfg, err := cfgm.Load()
	if err != nil {
		return err
	}
	if cfg.Storage.Driver != "sqlite" {
		return fmt.Errorf("migrate: storage.driver is %q, nothing to migrate", cfg.Storage.Driver)
	}
	log := logx.NewConsole("info")
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: cfg.Storage.Path}, log)
	if err != nil {
		return err
	}
	log.Info("migrations applied", logx.String("path", cfg.Storage.Path))
	return st.Close()
}

func check(c *cli.Context) error {
	cfgm, err := newManager(c)
	if err != nil {
		return err
	}
	if _, err := cfgm.Load(); err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, "config ok:", c.String("config"))
	return nil
}
