package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/pesio-ai/be-plt-approvals/internal/common/config"
	"github.com/pesio-ai/be-plt-approvals/internal/common/logger"
)

func main() {
	root := &cli.Command{
		Name:  "approvals",
		Usage: "Approval matrix and workflow engine",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "storage", Usage: "storage driver override: postgres or memory"},
		},
		Commands: []*cli.Command{
			serveCommand(),
			migrateCommand(),
			expireDelegationsCommand(),
			overdueCommand(),
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return runServe(ctx, cmd)
		},
	}

	if err := root.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "approvals: %v\n", err)
		os.Exit(1)
	}
}

// bootstrap loads configuration and builds the root logger. The --storage
// flag wins over STORAGE_DRIVER.
func bootstrap(cmd *cli.Command) (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	if driver := cmd.String("storage"); driver != "" {
		cfg.Engine.StorageDriver = driver
		if err := cfg.Validate(); err != nil {
			return nil, nil, err
		}
	}

	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})
	return cfg, log, nil
}
