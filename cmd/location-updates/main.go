// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

//go:build linux

// Package main implements the location-updates daemon and its command line client.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/vorlif/spreak"

	"github.com/wneessen/location-updates/internal/config"
	"github.com/wneessen/location-updates/internal/control"
	"github.com/wneessen/location-updates/internal/i18n"
	"github.com/wneessen/location-updates/internal/logger"
	"github.com/wneessen/location-updates/internal/service"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const usage = `usage: location-updates [-config file] [command] [command flags]

commands:
  daemon               run the location updates daemon (default)
  start                request location updates
  stop                 remove location updates
  status               show the current subscription state
  watch [-transient]   attach to the daemon and print every location update
`

// invocation is the subcommand and its flags.
type invocation struct {
	command   string
	transient bool
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGABRT, os.Interrupt)
	defer cancel()

	// Initialize Logger
	log := logger.New(slog.LevelError)

	// Read config
	confPath := flag.String("config", "", "path to the config file")
	flag.Usage = func() {
		_, _ = fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	inv, err := parseCommand(flag.Args(), flag.CommandLine.Output())
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			_, _ = fmt.Fprintln(flag.CommandLine.Output(), err)
			flag.Usage()
		}
		os.Exit(2)
	}

	conf, err := loadConfig(*confPath)
	if err != nil {
		log.Error("failed to load config", logger.Err(err))
		os.Exit(1)
	}

	log = logger.New(conf.LogLevel)
	t, err := i18n.New(conf.Locale)
	if err != nil {
		log.Error("failed to initialize localizer", logger.Err(err))
		os.Exit(1)
	}

	if inv.command == "daemon" {
		os.Exit(runDaemon(ctx, conf, log, t))
	}

	cli := &commandLine{
		client:    control.NewClient(log, conf.Control.Socket),
		t:         t,
		humanizer: i18n.NewHumanizer(t.Language()),
		out:       os.Stdout,
	}
	switch inv.command {
	case "start":
		err = cli.start(ctx)
	case "stop":
		err = cli.stop(ctx)
	case "status":
		err = cli.status(ctx)
	case "watch":
		err = cli.watch(ctx, inv.transient)
	}
	if err != nil {
		log.Error("command failed", slog.String("command", inv.command), logger.Err(err))
		os.Exit(1)
	}
}

func runDaemon(ctx context.Context, conf *config.Config, log *logger.Logger, t *spreak.Localizer) int {
	// Initialize the service
	serv, err := service.New(conf, log, t)
	if err != nil {
		log.Error("failed to initialize location-updates service", logger.Err(err))
		return 1
	}

	listener, err := control.Listen(conf.Control.Socket)
	if err != nil {
		log.Error("failed to open control socket", logger.Err(err))
		return 1
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		if err := control.NewServer(serv, log).Serve(ctx, listener); err != nil {
			log.Error("control server failed", logger.Err(err))
			cancel()
		}
	}()

	// Start the service loop
	code := 0
	log.Info(t.Get("starting location-updates service"), slog.String("version", version),
		slog.String("commit", commit), slog.String("date", date))
	if err = serv.Run(ctx); err != nil {
		log.Error(t.Get("failed to run location-updates service"), logger.Err(err))
		code = 1
	}
	cancel()
	<-serverDone
	log.Info(t.Get("shutting down location-updates service"))
	return code
}

// parseCommand parses the subcommand and the flags that follow it. Arguments left over after
// the flags are rejected.
func parseCommand(args []string, output io.Writer) (invocation, error) {
	inv := invocation{command: "daemon"}
	if len(args) > 0 {
		inv.command, args = args[0], args[1:]
	}

	flags := flag.NewFlagSet(inv.command, flag.ContinueOnError)
	flags.SetOutput(output)
	switch inv.command {
	case "watch":
		flags.BoolVar(&inv.transient, "transient", false, "mark the detach as a restart of the client")
	case "daemon", "start", "stop", "status":
	default:
		return inv, fmt.Errorf("unknown command: %s", inv.command)
	}
	if err := flags.Parse(args); err != nil {
		return inv, err
	}
	if flags.NArg() > 0 {
		return inv, fmt.Errorf("unexpected arguments for %s: %s", inv.command, strings.Join(flags.Args(), " "))
	}
	return inv, nil
}

// loadConfig reads the config file given on the command line, else the one in the default
// location, else the defaults and environment only.
func loadConfig(confPath string) (*config.Config, error) {
	if confPath != "" {
		return config.NewFromFile(filepath.Dir(confPath), filepath.Base(confPath))
	}
	if path, file := findConfigFile(); path != "" && file != "" {
		return config.NewFromFile(path, file)
	}
	return config.New()
}

func findConfigFile() (string, string) {
	homedir, err := os.UserHomeDir()
	if err != nil {
		return "", ""
	}
	exts := []string{"toml", "yaml", "yml", "json"}
	for _, ext := range exts {
		path := filepath.Join(homedir, ".config", service.AppName, "config."+ext)
		if _, err = os.Stat(path); err == nil {
			return filepath.Dir(path), filepath.Base(path)
		}
	}
	return "", ""
}
