/*
 * Copyright 2026 Cord ID Monitor Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/meliorisse/cordwatch/pkg/config"
	"github.com/meliorisse/cordwatch/pkg/history"
	"github.com/meliorisse/cordwatch/pkg/logger"
	"github.com/meliorisse/cordwatch/pkg/models"
	"github.com/meliorisse/cordwatch/pkg/monitor"
	"github.com/meliorisse/cordwatch/pkg/notify"
	"github.com/meliorisse/cordwatch/pkg/registry"
	"github.com/meliorisse/cordwatch/pkg/speed"
	"github.com/meliorisse/cordwatch/pkg/usbsource"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", config.DefaultConfigPath, "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	mainLogger, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hist, err := history.NewWriter(&cfg.History, mainLogger)
	if err != nil {
		return fmt.Errorf("failed to open history store: %w", err)
	}

	defer func() {
		if closeErr := hist.Close(); closeErr != nil {
			mainLogger.Error().Err(closeErr).Msg("Failed to close history store")
		}
	}()

	reg := registry.New(mainLogger)

	bus := notify.NewBus(mainLogger)
	defer bus.Close()

	// Stand-in for the presentation layer: log every state change with a
	// readable speed label.
	deltaLog := mainLogger.WithComponent("devices")
	bus.Subscribe(func(delta models.Delta) {
		display, label := speed.Format(delta.Device.BestSpeedMbps)

		event := deltaLog.Info().
			Str("change", string(delta.Kind)).
			Str("device", delta.Device.DisplayName).
			Str("id", delta.Key.String()).
			Str("best_speed", display)

		if label != "" {
			event = event.Str("usb_standard", label)
		}

		if delta.Device.Downgraded {
			event = event.Bool("downgraded", true)
		}

		event.Msg("Device state changed")
	})

	source := usbsource.New(mainLogger)
	mon := monitor.New(source, reg, hist, bus, mainLogger)

	err = mon.Run(ctx)

	switch {
	case errors.Is(err, context.Canceled):
		mainLogger.Info().Msg("Shutdown complete")
		return nil
	case errors.Is(err, monitor.ErrSubscriptionLost):
		// Exit nonzero so the supervisor restarts us instead of letting a
		// frozen monitor imply all devices are stable.
		return err
	default:
		return err
	}
}
