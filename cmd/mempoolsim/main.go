// Copyright (c) 2024 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
)

func realMain() error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if cfg.Scenario == "eviction" || cfg.Scenario == "all" {
		if err := runEviction(ctx, cfg); err != nil {
			return err
		}
	}
	if cfg.Scenario == "cpfp" || cfg.Scenario == "all" {
		if err := runPromotion(ctx, cfg); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	if err := realMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
