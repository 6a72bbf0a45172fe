// Command commitctl drives an in-process commitment protocol from the
// command line.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/robertocarlous/Commitlabs-Contracts/pkg/config"
)

var version = "0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}
	switch args[1] {
	case "run":
		return runScenarioCmd(args[2:], stdout, stderr)
	case "config":
		return runConfigCmd(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "commitctl %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: commitctl <command> [flags]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Commands:")
	_, _ = fmt.Fprintln(w, "  run      --config cfg.yaml --scenario s.yaml [--json] [--events]")
	_, _ = fmt.Fprintln(w, "  config   --config cfg.yaml   print the effective configuration")
	_, _ = fmt.Fprintln(w, "  version")
}

func setupLogging(level string, w io.Writer) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})))
}

// runScenarioCmd implements `commitctl run`.
//
// Exit codes:
//
//	0 = every step behaved as scripted
//	1 = at least one step did not
//	2 = usage or setup error
func runScenarioCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		cfgPath      string
		scenarioPath string
		jsonOutput   bool
		showEvents   bool
	)
	cmd.StringVar(&cfgPath, "config", "", "Path to config YAML")
	cmd.StringVar(&scenarioPath, "scenario", "", "Path to scenario YAML (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output step results as JSON lines")
	cmd.BoolVar(&showEvents, "events", false, "Write emitted events to stdout")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if scenarioPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --scenario is required")
		return 2
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	setupLogging(cfg.LogLevel, stderr)

	sc, err := loadScenario(scenarioPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	ctx := context.Background()
	var eventsOut io.Writer
	if showEvents {
		eventsOut = stdout
	}
	p, err := newProtocol(ctx, cfg, sc.Start, eventsOut)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() {
		if err := p.Close(ctx); err != nil {
			slog.Default().WarnContext(ctx, "shutdown failed", "error", err)
		}
	}()

	r := &runner{p: p, aliases: map[string]string{}}
	for _, f := range sc.Funding {
		if err := r.fund(f); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: funding %s: %v\n", f.Account, err)
			return 2
		}
	}

	failed := 0
	enc := json.NewEncoder(stdout)
	for i, st := range sc.Steps {
		res := r.exec(ctx, i, st)
		passed := res.Passed(st.ExpectError)
		if !passed {
			failed++
		}
		if jsonOutput {
			_ = enc.Encode(res)
			continue
		}
		printResult(stdout, res, st.ExpectError, passed)
	}

	if err := p.journal.Verify(); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: event journal: %v\n", err)
		return 1
	}
	if !jsonOutput {
		_, _ = fmt.Fprintf(stdout, "%d steps, %d unexpected, %d events, journal head %s\n",
			len(sc.Steps), failed, p.journal.Len(), short(p.journal.Head()))
	}
	if failed > 0 {
		return 1
	}
	return 0
}

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func printResult(w io.Writer, res StepResult, expect string, passed bool) {
	mark := "ok  "
	if !passed {
		mark = "FAIL"
	}
	detail := ""
	switch {
	case res.OK && len(res.Result) > 0:
		parts := make([]string, 0, len(res.Result))
		for _, k := range sortedKeys(res.Result) {
			parts = append(parts, fmt.Sprintf("%s=%v", k, res.Result[k]))
		}
		detail = strings.Join(parts, " ")
	case !res.OK:
		detail = res.Code + ": " + res.Error
	}
	if expect != "" {
		detail += " (expected " + expect + ")"
	}
	_, _ = fmt.Fprintf(w, "%s %3d %-18s %s\n", mark, res.Index, res.Op, detail)
}

// runConfigCmd implements `commitctl config`.
func runConfigCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("config", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var cfgPath string
	cmd.StringVar(&cfgPath, "config", "", "Path to config YAML")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if cfg.Attestation.JWTSecret != "" {
		cfg.Attestation.JWTSecret = "********"
	}
	out, err := yaml.Marshal(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = stdout.Write(out)
	return 0
}
