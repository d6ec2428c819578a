package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/ddevalco/codex-pocket/common/version"
	"github.com/ddevalco/codex-pocket/internal/pocket/app"
	"github.com/ddevalco/codex-pocket/internal/pocket/config"
	"github.com/ddevalco/codex-pocket/internal/pocket/observability"
)

func main() {
	cfgPath := flag.String("config", config.DefaultPath(), "path to the JSON config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		return
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		// Configuration problems are fatal: print and exit 1, nothing to
		// retry.
		if errors.Is(err, config.ErrMissingToken) {
			fmt.Fprintf(os.Stderr, "Error: %v\nGenerate one with: openssl rand -hex 32\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}

	observability.Setup(cfg.LogLevel, cfg.LogFormat)

	pocket, err := app.New(*cfgPath, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize pocketd: %v\n", err)
		os.Exit(1)
	}

	if err := pocket.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running pocketd: %v\n", err)
		os.Exit(1)
	}
}
