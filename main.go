package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/oklog/run"

	_ "github.com/lib/pq"

	aggregatorcmd "github.com/nicolastakashi/otlp-metrics-pipeline/cmd/aggregator"
	apicmd "github.com/nicolastakashi/otlp-metrics-pipeline/cmd/api"
	collectorcmd "github.com/nicolastakashi/otlp-metrics-pipeline/cmd/collector"
	"github.com/nicolastakashi/otlp-metrics-pipeline/internal/config"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s <collector|aggregator|api> [flags]\n", os.Args[0])
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	var (
		registerFlags func(*flag.FlagSet, *string)
		runCommand    func() error
	)
	switch os.Args[1] {
	case "collector":
		registerFlags = collectorcmd.RegisterFlags
		runCommand = collectorcmd.Run
	case "aggregator":
		registerFlags = aggregatorcmd.RegisterFlags
		runCommand = aggregatorcmd.Run
	case "api":
		registerFlags = apicmd.RegisterFlags
		runCommand = apicmd.Run
	default:
		usage()
	}

	fs := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	var configFile string
	registerFlags(fs, &configFile)
	_ = fs.Parse(os.Args[2:])

	if configFile != "" {
		if err := config.LoadConfig(configFile); err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config file: %v\n", err)
			os.Exit(1)
		}
	}

	if err := config.SetupLogger(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}

	if err := config.DefaultConfig.Validate(); err != nil {
		slog.Error("main.config.invalid", "err", err)
		os.Exit(1)
	}

	slog.Info("main.starting", "command", os.Args[1], "config", config.DefaultConfig.GetSanitizedConfig())

	if err := runCommand(); err != nil {
		if errors.As(err, &run.SignalError{}) {
			slog.Info("main.signal.exiting")
			return
		}
		slog.Error("main.stopped", "err", err)
		os.Exit(1)
	}
}
