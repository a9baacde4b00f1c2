// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/mempoold/internal/log"
	"github.com/btcsuite/mempoold/internal/version"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultScenario = "all"
	defaultFill     = 10
	defaultPad      = 10000
	defaultChainLen = 3
	defaultLogLevel = "warn"
)

var knownScenarios = []string{"eviction", "cpfp", "all"}

// config defines the configuration options for mempoolsim.
type config struct {
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	Scenario    string `short:"s" long:"scenario" description:"Scenario to run {eviction, cpfp, all}"`
	Fill        int    `long:"fill" description:"Number of well paying transactions filling the pool next to the tracked ones"`
	Pad         int    `long:"pad" description:"Data carrier bytes added to every transaction so they use the same memory"`
	ChainLen    int    `long:"chainlen" description:"Number of relay fee ancestors the paying child has to carry"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical}"`
}

func validScenario(scenario string) bool {
	for _, known := range knownScenarios {
		if scenario == known {
			return true
		}
	}
	return false
}

// loadConfig parses the command line options.
func loadConfig() (*config, []string, error) {
	cfg := config{
		Scenario:   defaultScenario,
		Fill:       defaultFill,
		Pad:        defaultPad,
		ChainLen:   defaultChainLen,
		DebugLevel: defaultLogLevel,
	}

	parser := flags.NewParser(&cfg, flags.Default)
	remainingArgs, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			parser.WriteHelp(os.Stderr)
		}
		return nil, nil, err
	}

	if cfg.ShowVersion {
		appName := filepath.Base(os.Args[0])
		fmt.Println(appName, "version", version.String())
		os.Exit(0)
	}

	if !validScenario(cfg.Scenario) {
		str := "%s: the specified scenario [%v] is invalid -- " +
			"supported scenarios %v"
		err := fmt.Errorf(str, "loadConfig", cfg.Scenario,
			knownScenarios)
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}
	if cfg.Fill < 1 || cfg.Pad < 0 || cfg.ChainLen < 1 {
		err := fmt.Errorf("loadConfig: fill and chainlen must be " +
			"positive and pad may not be negative")
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	if err := log.ParseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	return &cfg, remainingArgs, nil
}
