// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Terminox License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/nishisan-dev/terminox/internal/agent"
	"github.com/nishisan-dev/terminox/internal/config"
	"github.com/nishisan-dev/terminox/internal/logging"
	"github.com/nishisan-dev/terminox/internal/server"
	"github.com/nishisan-dev/terminox/internal/server/observability"
)

// version é preenchida via ldflags no build (-X main.version=x.y.z).
var version = "dev"

func main() {
	configPath := flag.String("config", "/etc/terminox/agent.yaml", "path to agent config file")
	pair := flag.Bool("pair", false, "pair a new device against the running daemon and exit")
	deviceName := flag.String("device-name", "", "suggested device name for -pair")
	health := flag.Bool("health", false, "query the running daemon health and exit")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("terminox-agent %s\n", version)
		return
	}

	// Propaga a versão de build para os endpoints que a expõem
	server.Version = version
	observability.Version = version

	cfg, err := config.LoadAgentConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if *health {
		if err := agent.RunHealthCheck(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if *pair {
		if err := agent.RunPairing(cfg, *deviceName); err != nil {
			fmt.Fprintf(os.Stderr, "Pairing failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Daemon mode
	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	if err := agent.RunDaemon(*configPath, cfg, logger); err != nil {
		logger.Error("daemon error", "error", err)
		os.Exit(1)
	}
}
