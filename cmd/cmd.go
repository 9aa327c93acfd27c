package cmd

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rattlesnake/gateway/pkg/cache"
	"github.com/rattlesnake/gateway/pkg/config"
	"github.com/rattlesnake/gateway/pkg/gateway"
	"github.com/rattlesnake/gateway/pkg/logger"
	"github.com/rattlesnake/gateway/pkg/proto"
	"github.com/rattlesnake/gateway/pkg/response"
	"github.com/rattlesnake/gateway/pkg/scanner"
	"github.com/rattlesnake/gateway/pkg/server"
	"github.com/rattlesnake/gateway/pkg/telemetry"
	"github.com/rattlesnake/gateway/version"
)

const cliLong = `Name:
  rattlesnake-gateway - Triage uploaded mods for malware

Description:
  The gateway is meant to run in two primary modes. There is the "listen"
  mode that accepts scan requests from workers over a websocket, and the
  "scan" mode for triaging a single local file. Both run the same pipeline:
  the payload is hashed, scanned, filtered and scored, and repeat payloads
  are answered from the scan cache.
`

const configDescription = `config file path
order of precedence:
1. --config/-c
2. env var RATTLESNAKE_CONFIG
3. ${XDG_CONFIG_HOME}/rattlesnake/config.toml
4. /etc/rattlesnake/config.toml
5. The default config
`

func runHelp(cmd *cobra.Command, args []string) {
	_ = cmd.Help()
}

// loadConfig finds the config from the flags or the usual places and stops
// the program if it's broken
func loadConfig(cmd *cobra.Command) *config.Config {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		logger.Fatal("could not read config flag: %w", err)
	}

	cfg, err := config.LocateAndLoadConfig(path)
	if err != nil {
		logger.Fatal("could not load config: %w", err)
	}

	return cfg
}

// pipeline wires the scanner and the gateway the same way for every command
type pipeline struct {
	scanner *scanner.Scanner
	gateway *gateway.Gateway
}

func newPipeline(cfg *config.Config, tel *telemetry.Instruments) (*pipeline, error) {
	patterns := scanner.NewPatterns(&cfg.Scanner.Patterns)

	// Fail at startup instead of failing every scan open
	if _, err := patterns.Gitleaks(); err != nil {
		return nil, fmt.Errorf("could not load rules: %w", err)
	}

	s := scanner.NewScanner(&cfg.Scanner, scanner.NewGitleaksEngineFactory(&cfg.Scanner, patterns), tel)

	return &pipeline{
		scanner: s,
		gateway: gateway.New(cache.New(), s, tel),
	}, nil
}

func (p *pipeline) Close() error {
	return p.scanner.Close()
}

func listenCommand() *cobra.Command {
	listenCommand := &cobra.Command{
		Use:   "listen",
		Short: "Serve scan requests over a websocket",
		Run:   runListen,
	}

	flags := listenCommand.Flags()
	flags.StringP("listen", "l", config.DefaultConfig().Server.Listen, "address to listen on (host:port)")

	return listenCommand
}

func runListen(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)

	if cmd.Flags().Changed("listen") {
		cfg.Server.Listen, _ = cmd.Flags().GetString("listen")
	}

	exporter := telemetry.NewExporter()
	defer func() { _ = exporter.Shutdown(context.Background()) }()

	tel, err := exporter.Instruments()
	if err != nil {
		logger.Error("could not create telemetry instruments: %v", err)
		os.Exit(config.ExitCodeBlockingError)
	}

	p, err := newPipeline(cfg, tel)
	if err != nil {
		logger.Error("%v", err)
		os.Exit(config.ExitCodeBlockingError)
	}
	defer p.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go exporter.LogEvery(ctx, cfg.Telemetry.MetricsLogInterval())

	srv := server.New(p.gateway, &cfg.Server)
	srv.SetMetrics(exporter)
	if _, err := srv.Start(ctx, cfg.Server.Listen); err != nil {
		logger.Error("could not start server: %v", err)
		os.Exit(config.ExitCodeBlockingError)
	}

	logger.Info("gateway started: version=%q workers=%d", version.String(), cfg.Scanner.Workers)
	<-ctx.Done()

	logger.Info("shutting down")
	srv.Stop()
}

func scanCommand() *cobra.Command {
	scanCommand := &cobra.Command{
		Use:   "scan",
		Short: "Triage a single local file",
		Run:   runScan,
	}

	flags := scanCommand.Flags()
	flags.StringP("file", "f", "", "file to scan (- for stdin)")
	flags.String("format", "JSON", "output format [JSON HUMAN TOML YAML CSV]")

	return scanCommand
}

// readPayload reads the file named by the scan flags and encodes it the way
// a worker would send it
func readPayload(cmd *cobra.Command, stdin io.Reader) (string, error) {
	path, err := cmd.Flags().GetString("file")
	if err != nil {
		return "", err
	}

	if len(path) == 0 {
		return "", fmt.Errorf("missing required field: field=%q", "file")
	}

	var data []byte
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(filepath.Clean(path))
	}

	if err != nil {
		return "", fmt.Errorf("could not read payload: %w", err)
	}

	return base64.StdEncoding.EncodeToString(data), nil
}

// scanExitCode picks the exit code for an ad-hoc scan
func scanExitCode(resp *proto.Response) int {
	if resp.Verdict == proto.Malicious {
		return config.ExitCodeMaliciousFound
	}

	return 0
}

func runScan(cmd *cobra.Command, args []string) {
	cfg := loadConfig(cmd)

	format, _ := cmd.Flags().GetString("format")
	formatter, err := response.NewFormatter(format)
	if err != nil {
		logger.Fatal("%w", err)
	}

	payload, err := readPayload(cmd, cmd.InOrStdin())
	if err != nil {
		logger.Fatal("%w", err)
	}

	exporter := telemetry.NewExporter()
	tel, err := exporter.Instruments()
	if err != nil {
		logger.Fatal("%w", err)
	}

	p, err := newPipeline(cfg, tel)
	if err != nil {
		logger.Fatal("%w", err)
	}

	ctx := context.Background()
	resp := p.gateway.Handle(ctx, &proto.Request{Data: payload})
	_ = p.Close()

	if snapshot, err := exporter.Snapshot(ctx); err == nil {
		logger.Debug("metrics: %s", snapshot)
	}
	_ = exporter.Shutdown(ctx)

	fmt.Fprintln(cmd.OutOrStdout(), formatter.Format(resp))
	os.Exit(scanExitCode(resp))
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Display the version",
		Run: func(cmd *cobra.Command, args []string) {
			version.Print(cmd.OutOrStdout())
		},
	}
}

// rootCommand provides a built Command for the app to use
func rootCommand() *cobra.Command {
	rootCommand := &cobra.Command{
		Use:   "rattlesnake-gateway",
		Short: "Malware triage gateway for uploaded mods",
		Long:  cliLong,
		Run:   runHelp,
	}

	flags := rootCommand.PersistentFlags()
	flags.StringP("config", "c", "", configDescription)

	rootCommand.AddCommand(listenCommand())
	rootCommand.AddCommand(scanCommand())
	rootCommand.AddCommand(versionCommand())

	return rootCommand
}

// Execute the command and parse the args
func Execute() {
	if err := rootCommand().Execute(); err != nil {
		if strings.Contains(err.Error(), "unknown flag") {
			os.Exit(config.ExitCodeBlockingError)
		}
		logger.Fatal("%w", err)
	}
}
