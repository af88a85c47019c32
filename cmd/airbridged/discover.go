package main

import (
	"context"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mikey-austin/airbridge/internal/adapters/output"
	"github.com/mikey-austin/airbridge/internal/daemon"
	"github.com/mikey-austin/airbridge/internal/upnp"
)

func discoverCommand(f *flags) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Search for bridgeable renderers once and print them",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("log-level") {
				cfg.Server.LogLevel = "warn"
			}
			logger := newLogger(cfg)
			defer func() { _ = logger.Sync() }()

			devices, err := discover(cmd.Context(), cfg, logger, wait)
			if err != nil {
				return err
			}
			return output.New(cmd.OutOrStdout(), f.jsonOut).Print(devices)
		},
	}
	cmd.Flags().DurationVarP(&wait, "wait", "w", 6*time.Second, "how long to collect replies")
	return cmd
}

func discover(ctx context.Context, cfg daemon.Config, logger *zap.Logger, wait time.Duration) ([]*upnp.Device, error) {
	stack, err := newDiscoveryStack(cfg, logger, nil)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := stack.transport.Listen(ctx, stack.coordinator.HandleMessage); err != nil {
			logger.Warn("ssdp listen failed", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		_ = stack.coordinator.Run(ctx)
	}()

	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
	devices := stack.coordinator.Devices(ctx)
	cancel()
	wg.Wait()
	return devices, nil
}
