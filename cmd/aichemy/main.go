// AiChemy is a gateway between a chat front end and the AiChemy
// data-source agents hosted on a model-serving endpoint.
//
// It exposes an HTTP API with per-thread conversation sessions, a
// websocket stream of session snapshots, optional MQTT activity
// publishing, and a CLI for one-shot queries and offline parsing of
// agent responses. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	aichemy serve              Start the API server
//	aichemy init [dir]         Write an example config and tool catalogue
//	aichemy ask <question>     Ask a single question
//	aichemy parse [file|-]     Parse a saved agent response or envelope
//	aichemy tools              List the tool catalogue
//	aichemy version            Print version and build information
//	aichemy -o json version    Output version information as JSON
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/aichemy-agent/internal/agent"
	"github.com/nugget/aichemy-agent/internal/api"
	"github.com/nugget/aichemy-agent/internal/buildinfo"
	"github.com/nugget/aichemy-agent/internal/catalog"
	"github.com/nugget/aichemy-agent/internal/config"
	"github.com/nugget/aichemy-agent/internal/endpoint"
	"github.com/nugget/aichemy-agent/internal/envelope"
	"github.com/nugget/aichemy-agent/internal/events"
	"github.com/nugget/aichemy-agent/internal/mqtt"
	"github.com/nugget/aichemy-agent/internal/session"
	"github.com/nugget/aichemy-agent/internal/telemetry"
	"github.com/nugget/aichemy-agent/internal/toolcall"
	"github.com/nugget/aichemy-agent/internal/workflow"
)

// shutdownTimeout bounds the graceful drain of servers and exporters.
const shutdownTimeout = 10 * time.Second

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run] so the whole
// lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the aichemy command. Structured logs
// go to stdout; command output also goes to stdout; fatal errors are
// returned for main to print. Arguments are parsed by hand because the
// flag package's globals get in the way of calling run from parallel
// tests.
func run(ctx context.Context, stdin io.Reader, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case command != "":
			// Everything after the command belongs to it, including
			// "-" for stdin.
			cmdArgs = append(cmdArgs, args[i])
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: aichemy ask <question>")
		}
		return runAsk(ctx, stdout, stderr, configPath, outputFmt, strings.Join(cmdArgs, " "))
	case "parse":
		src := "-"
		if len(cmdArgs) > 0 {
			src = cmdArgs[0]
		}
		return runParse(stdin, stdout, src, outputFmt)
	case "tools":
		return runTools(stdout, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "AiChemy - agent gateway for chemistry and biology data sources")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: aichemy [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve          Start the API server")
	fmt.Fprintln(w, "  init [dir]     Write example config.yaml and tools.txt (default: .)")
	fmt.Fprintln(w, "  ask            Ask a single question")
	fmt.Fprintln(w, "  parse [file]   Parse an agent response or envelope (default: stdin)")
	fmt.Fprintln(w, "  tools          List the tool catalogue")
	fmt.Fprintln(w, "  version        Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/aichemy/config.yaml, /etc/aichemy/config.yaml")
	return nil
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return writeIndented(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// runServe handles the "aichemy serve" subcommand: it wires the session
// manager, runner, API server and optional MQTT publisher, and blocks
// until SIGINT or SIGTERM.
//
// The shutdown sequence is:
//  1. The signal cancels the context shared by every component
//  2. MQTT publishes "offline" and disconnects
//  3. The HTTP server drains in-flight requests
//  4. Running turns are waited for and telemetry is flushed
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting AiChemy", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	// Validate has already checked the level.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = newLogger(stdout, level, cfg.LogFormat)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"endpoint", cfg.Endpoint.Name,
		"auto_approve", cfg.Session.AutoApprove,
		"plan_steps", len(cfg.Session.Plan),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var inst *telemetry.Instruments
	if cfg.Telemetry.Enabled {
		var shutdownTelemetry func(context.Context) error
		inst, shutdownTelemetry, err = telemetry.Init(ctx, cfg.Telemetry.ServiceName)
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			flushCtx, flushCancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer flushCancel()
			if err := shutdownTelemetry(flushCtx); err != nil {
				logger.Error("telemetry shutdown failed", "error", err)
			}
		}()
		logger.Info("telemetry enabled", "service", cfg.Telemetry.ServiceName)
	}

	tools, err := catalog.Load(cfg.ToolsFile)
	if err != nil {
		return err
	}
	logger.Info("tool catalogue loaded", "path", cfg.ToolsFile, "tools", tools.Len())

	if !cfg.Endpoint.Configured() {
		logger.Warn("no serving endpoint configured; every turn will fail")
	}

	bus := events.New()
	machine := newMachine(cfg)
	sessions := session.NewManager(machine, logger,
		session.WithBus(bus),
		session.WithInstruments(inst),
	)
	client := endpoint.New(cfg.Endpoint, logger, endpoint.WithInstruments(inst))
	runner := agent.NewRunner(client, sessions, machine.Config().Plan, logger,
		agent.WithBus(bus),
		agent.WithInstruments(inst),
		agent.WithAllMessages(cfg.Endpoint.ParseAllMessages),
	)
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, sessions, runner, logger,
		api.WithBus(bus),
		api.WithCatalog(tools),
	)

	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Enabled {
		instanceID, err := mqtt.InstanceID(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		mqttPub = mqtt.New(cfg.MQTT, instanceID, bus, logger)
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"topic_prefix", cfg.MQTT.TopicPrefix,
			"instance_id", instanceID,
		)
	} else {
		logger.Info("mqtt publishing disabled")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.Start(gctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	if mqttPub != nil {
		g.Go(func() error {
			return mqttPub.Start(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer shutdownCancel()
		if mqttPub != nil {
			if err := mqttPub.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	runner.Wait()
	if err != nil {
		return err
	}

	logger.Info("AiChemy stopped")
	return nil
}

// runAsk handles "aichemy ask <question>". It runs a single turn to
// completion against the configured endpoint, approving the plan
// automatically, and prints the assistant reply.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, outputFmt, question string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := newLogger(stderr, level, cfg.LogFormat)

	machine := newMachine(cfg)
	sessions := session.NewManager(machine, logger)
	client := endpoint.New(cfg.Endpoint, logger)
	runner := agent.NewRunner(client, sessions, machine.Config().Plan, logger,
		agent.WithAllMessages(cfg.Endpoint.ParseAllMessages))

	s, err := runner.Ask(ctx, session.NewThreadID(), workflow.Chat(question))
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if outputFmt == "json" {
		return writeIndented(stdout, s)
	}
	for _, st := range s.Steps {
		fmt.Fprintf(stdout, "[%s] %s", st.Status, st.Name)
		if st.Result != "" {
			fmt.Fprintf(stdout, ": %s", st.Result)
		}
		fmt.Fprintln(stdout)
	}
	for _, group := range s.Activity {
		for _, rec := range group.Calls {
			fmt.Fprintf(stdout, "tool call: %s\n", formatRecord(rec))
		}
	}
	if n := len(s.Turns); n > 0 && s.Turns[n-1].Role == session.RoleAssistant {
		fmt.Fprintln(stdout)
		fmt.Fprintln(stdout, s.Turns[n-1].Content)
	}
	return nil
}

// parsedText is the JSON output of "aichemy parse" for one text.
type parsedText struct {
	Records     []toolcall.Record    `json:"records"`
	CleanText   string               `json:"clean_text"`
	Diagnostics toolcall.Diagnostics `json:"diagnostics"`
}

// runParse handles "aichemy parse [file|-]". The input is either a raw
// agent text or a serving endpoint envelope; an envelope is detected by
// a leading '{' and every message text in it is parsed.
func runParse(stdin io.Reader, stdout io.Writer, src, outputFmt string) error {
	var data []byte
	var err error
	if src == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(src)
	}
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	texts := []string{string(data)}
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
		if texts, err = envelope.Extract(data); err != nil {
			return err
		}
	}

	out := make([]parsedText, 0, len(texts))
	for _, text := range texts {
		doc := toolcall.Scan(text)
		p := parsedText{
			Records:     doc.Records,
			CleanText:   toolcall.Strip(text),
			Diagnostics: doc.Diagnostics,
		}
		if p.Records == nil {
			p.Records = []toolcall.Record{}
		}
		out = append(out, p)
	}

	if outputFmt == "json" {
		return writeIndented(stdout, out)
	}
	for i, p := range out {
		if i > 0 {
			fmt.Fprintln(stdout, "---")
		}
		for _, rec := range p.Records {
			fmt.Fprintf(stdout, "tool call: %s\n", formatRecord(rec))
			if rec.Thinking != nil {
				fmt.Fprintf(stdout, "  thinking: %s\n", *rec.Thinking)
			}
		}
		if p.Diagnostics.Unterminated {
			fmt.Fprintln(stdout, "warning: unterminated block left in text")
		}
		if len(p.Records) > 0 {
			fmt.Fprintln(stdout)
		}
		fmt.Fprintln(stdout, p.CleanText)
	}
	return nil
}

// runTools handles "aichemy tools".
func runTools(stdout io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	tools, err := catalog.Load(cfg.ToolsFile)
	if err != nil {
		return err
	}

	groups := tools.Grouped()
	if outputFmt == "json" {
		if groups == nil {
			groups = []catalog.Group{}
		}
		return writeIndented(stdout, groups)
	}
	if len(groups) == 0 {
		fmt.Fprintln(stdout, "No tools configured (set tools_file in config.yaml).")
		return nil
	}
	for _, g := range groups {
		fmt.Fprintln(stdout, g.Source)
		for _, t := range g.Tools {
			fmt.Fprintf(stdout, "  - %s\n", t)
		}
	}
	return nil
}

// formatRecord renders a tool invocation as name(param=value, ...).
func formatRecord(rec toolcall.Record) string {
	var sb strings.Builder
	sb.WriteString(rec.Function)
	sb.WriteByte('(')
	for i, name := range rec.Params.Names() {
		if i > 0 {
			sb.WriteString(", ")
		}
		v, _ := rec.Params.Get(name)
		fmt.Fprintf(&sb, "%s=%q", name, v)
	}
	sb.WriteByte(')')
	return sb.String()
}

// newMachine builds the session state machine from configuration.
func newMachine(cfg *config.Config) *session.Machine {
	plan := make([]session.PlanStep, 0, len(cfg.Session.Plan))
	for _, p := range cfg.Session.Plan {
		plan = append(plan, session.PlanStep{
			Name:        p.Name,
			Description: p.Description,
			Tools:       p.Tools,
		})
	}
	return session.NewMachine(session.Config{
		AutoApprove: cfg.Session.AutoApprove,
		Plan:        plan,
		AllMessages: cfg.Endpoint.ParseAllMessages,
	})
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// newLogger creates a structured logger that writes to w at the given
// level and format.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	return slog.New(config.NewHandler(w, level, format))
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	// A relative tools_file is relative to the config file.
	if cfg.ToolsFile != "" && !filepath.IsAbs(cfg.ToolsFile) {
		cfg.ToolsFile = filepath.Join(filepath.Dir(cfgPath), cfg.ToolsFile)
	}

	return cfg, cfgPath, nil
}
