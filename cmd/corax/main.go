package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kong"
	konghcl "github.com/alecthomas/kong-hcl/v2"
	"github.com/chzyer/readline"
	"github.com/squareup/corax/cmd/cli"
	"github.com/squareup/corax/conf"
	"github.com/squareup/corax/errors"
	clog "github.com/squareup/corax/log"
	"github.com/squareup/corax/metrics"
	"go.uber.org/zap"
)

type arguments struct {
	Config           kong.ConfigFlag `help:"Path to a HCL config file." type:"existingfile"`
	Log              clog.Config     `help:"Configuration for the logger." embed:"" prefix:"log-"`
	Client           conf.Config     `help:"Cluster client configuration." embed:"" prefix:""`
	ConnectionString string          `help:"Connection string, e.g. \"Url=http://db1:8080;Database=orders\". Overrides the client flags." short:"c"`
	MetricsAddr      string          `help:"Listen address for prometheus metrics. Empty disables the exporter."`
	VI               bool            `help:"Enable VI mode."`
}

func main() {
	args := arguments{}
	parser, err := kong.New(&args, kong.Configuration(konghcl.Loader))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	kctx, err := parser.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	kctx.FatalIfErrorf(run(kctx, &args))
}

func run(kctx *kong.Context, args *arguments) error {
	if err := args.Log.Configure(); err != nil {
		return err
	}
	cfg, err := clientConfig(args)
	if err != nil {
		return err
	}
	zapLogger, err := buildZapLogger(args.Log.Level)
	if err != nil {
		return err
	}
	defer zapLogger.Sync() //nolint:errcheck
	if args.MetricsAddr != "" {
		metricsServer := metrics.NewServer(args.MetricsAddr)
		if err := metricsServer.Start(); err != nil {
			return err
		}
		defer metricsServer.Stop() //nolint:errcheck
	}

	cl := cli.NewCli(cfg, zapLogger)
	if err := cl.Start(); err != nil {
		return err
	}
	defer func() {
		if err := cl.Stop(); err != nil {
			// Ignore
		}
	}()

	home, err := os.UserHomeDir()
	if err != nil {
		return errors.WithStack(err)
	}
	rl, err := readline.NewEx(&readline.Config{
		HistoryFile:            filepath.Join(home, ".corax.history"),
		DisableAutoSaveHistory: true,
		VimMode:                args.VI,
	})
	if err != nil {
		return errors.WithStack(err)
	}
	rl.SetPrompt("corax> ")
	for {
		line, err := rl.Readline()
		if err == io.EOF || err == readline.ErrInterrupt {
			return nil
		}
		if err != nil {
			return errors.WithStack(err)
		}
		command := strings.TrimSpace(line)
		if command == "" {
			continue
		}
		_ = rl.SaveHistory(command)
		if command == "exit" || command == "quit" {
			return nil
		}
		if err := sendCommand(command, cl); err != nil {
			kctx.Errorf("%s", err)
		}
	}
}

func clientConfig(args *arguments) (*conf.Config, error) {
	if args.ConnectionString != "" {
		return conf.FromConnectionString(args.ConnectionString)
	}
	cfg := args.Client
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func buildZapLogger(level string) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if strings.EqualFold(level, "debug") || strings.EqualFold(level, "trace") {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	return logger, errors.WithStack(err)
}

func sendCommand(command string, cl *cli.Cli) error {
	ch, err := cl.ExecuteCommand(command)
	if err != nil {
		return err
	}
	for line := range ch {
		fmt.Println(line)
	}
	return nil
}
