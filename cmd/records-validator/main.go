// Package main implements the records-validator CLI tool.
// It validates FHIR documents against a pool of external validator processes.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	rv "github.com/medvertical/validator"
	"github.com/medvertical/validator/config"
	"github.com/medvertical/validator/engine"
	"github.com/medvertical/validator/logger"
	"github.com/medvertical/validator/telemetry"
)

const version = "0.1.0"

// errInvalid signals that validation completed but found errors; it maps to
// exit code 1 without an extra error line.
var errInvalid = errors.New("validation reported errors")

type cliConfig struct {
	ConfigPath  string
	Command     string
	FHIRVersion string
	Output      string
	Aspect      string
	Quiet       bool
	MetricsAddr string
	LogLevel    string
	LogFormat   string
}

// ValidationOutput is the per-document JSON output structure.
type ValidationOutput struct {
	Resource string        `json:"resource"`
	Valid    bool          `json:"valid"`
	Errors   int           `json:"errors"`
	Warnings int           `json:"warnings"`
	Issues   []IssueOutput `json:"issues,omitempty"`
	Duration string        `json:"duration"`
}

// IssueOutput is a single issue in JSON output.
type IssueOutput struct {
	Severity    string `json:"severity"`
	Code        string `json:"code"`
	Aspect      string `json:"aspect"`
	Path        string `json:"path,omitempty"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errInvalid) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &cliConfig{}

	cmd := &cobra.Command{
		Use:     "records-validator [flags] <file>...",
		Short:   "Validate FHIR documents through a pool of external validator processes",
		Version: version,
		Example: `  records-validator --command "java -jar validator.jar --pipe" patient.json
  records-validator --config validator.yaml bundle.json
  records-validator --aspect terminology observation.json
  cat patient.json | records-validator --config validator.yaml -`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg, args)
		},
	}

	cmd.Flags().StringVar(&cfg.ConfigPath, "config", "", "YAML configuration file")
	cmd.Flags().StringVar(&cfg.Command, "command", "", "validator launch command (overrides config)")
	cmd.Flags().StringVar(&cfg.FHIRVersion, "fhir-version", "", "FHIR version: r4, r4b, r5")
	cmd.Flags().StringVarP(&cfg.Output, "output", "o", "text", "output format: text, json")
	cmd.Flags().StringVar(&cfg.Aspect, "aspect", "", "only report issues for one aspect")
	cmd.Flags().BoolVarP(&cfg.Quiet, "quiet", "q", false, "only show errors and warnings")
	cmd.Flags().StringVar(&cfg.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	cmd.Flags().StringVar(&cfg.LogLevel, "log-level", "warn", "log level: trace, debug, info, warn, error")
	cmd.Flags().StringVar(&cfg.LogFormat, "log-format", "console", "log format: console, json")

	return cmd
}

func run(cfg *cliConfig, files []string) error {
	logger.Init(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})

	opts, err := buildOptions(cfg)
	if err != nil {
		return err
	}

	e, err := engine.New(opts...)
	if err != nil {
		return err
	}

	initCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := e.Initialize(initCtx); err != nil {
		return fmt.Errorf("starting validator pool: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		_ = e.Shutdown(ctx)
	}()

	if cfg.MetricsAddr != "" {
		serveMetrics(cfg.MetricsAddr, e)
	}

	var aspect rv.Aspect
	if cfg.Aspect != "" {
		aspect = rv.Aspect(cfg.Aspect)
		if !aspect.IsValid() {
			return fmt.Errorf("unknown aspect %q", cfg.Aspect)
		}
	}

	hasErrors := false
	outputs := make([]ValidationOutput, 0, len(files))

	for _, file := range files {
		for _, doc := range expand(file, &hasErrors) {
			out, bad := validateDocument(e, doc, aspect, cfg)
			outputs = append(outputs, out)
			if bad {
				hasErrors = true
			}
		}
	}

	if cfg.Output == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(outputs); err != nil {
			return err
		}
	}

	if hasErrors {
		return errInvalid
	}
	return nil
}

func buildOptions(cfg *cliConfig) ([]rv.Option, error) {
	var opts []rv.Option
	if cfg.ConfigPath != "" {
		fileCfg, err := config.Load(config.WithConfigPath(cfg.ConfigPath), config.WithEnvOverrides())
		if err != nil {
			return nil, err
		}
		opts = fileCfg.Options()
	}
	if cfg.Command != "" {
		argv := strings.Fields(cfg.Command)
		opts = append(opts, rv.WithCommand(argv[0], argv[1:]...))
	}
	if cfg.FHIRVersion != "" {
		v := rv.FHIRVersion(cfg.FHIRVersion)
		if !v.IsValid() {
			return nil, fmt.Errorf("unknown FHIR version %q", cfg.FHIRVersion)
		}
		opts = append(opts, rv.WithFHIRVersion(v))
	}
	if len(opts) == 0 {
		return nil, errors.New("either --config or --command is required")
	}
	return opts, nil
}

func serveMetrics(addr string, e *engine.Engine) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(telemetry.NewCollector(e))
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		if err := http.ListenAndServe(addr, mux); err != nil {
			fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
		}
	}()
}

// document pairs a display name with raw bytes.
type document struct {
	name string
	data []byte
}

// expand resolves one CLI argument into documents: "-" reads stdin, anything
// else is treated as a glob pattern.
func expand(arg string, hasErrors *bool) []document {
	if arg == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading stdin: %v\n", err)
			*hasErrors = true
			return nil
		}
		return []document{{name: "stdin", data: data}}
	}

	matches, err := filepath.Glob(arg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error with pattern '%s': %v\n", arg, err)
		*hasErrors = true
		return nil
	}
	if len(matches) == 0 {
		fmt.Fprintf(os.Stderr, "No files match pattern: %s\n", arg)
		*hasErrors = true
		return nil
	}

	docs := make([]document, 0, len(matches))
	for _, match := range matches {
		data, err := os.ReadFile(match)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading %s: %v\n", match, err)
			*hasErrors = true
			continue
		}
		docs = append(docs, document{name: match, data: data})
	}
	return docs
}

func validateDocument(e *engine.Engine, doc document, aspect rv.Aspect, cfg *cliConfig) (ValidationOutput, bool) {
	start := time.Now()
	out, err := e.Validate(context.Background(), doc.data, rv.Request{})
	duration := time.Since(start)

	if err != nil {
		output := ValidationOutput{
			Resource: doc.name,
			Valid:    false,
			Errors:   1,
			Duration: duration.Round(time.Microsecond).String(),
			Issues: []IssueOutput{{
				Severity:    "error",
				Code:        "exception",
				Aspect:      string(rv.AspectUnknown),
				Diagnostics: fmt.Sprintf("Validation failed: %v", err),
			}},
		}
		if cfg.Output == "text" {
			fmt.Printf("Error validating %s: %v\n", doc.name, err)
		}
		return output, true
	}

	issues := out.Issues
	if aspect != "" {
		issues = out.ByAspect()[aspect]
	}

	output := ValidationOutput{
		Resource: doc.name,
		Valid:    out.Valid(),
		Errors:   out.ErrorCount(),
		Warnings: out.WarningCount(),
		Duration: duration.Round(time.Microsecond).String(),
	}
	for _, iss := range issues {
		output.Issues = append(output.Issues, IssueOutput{
			Severity:    string(iss.Severity),
			Code:        iss.Code,
			Aspect:      string(iss.Aspect),
			Path:        iss.Path,
			Diagnostics: iss.Diagnostics,
		})
	}

	if cfg.Output == "text" {
		printTextResult(doc.name, out, issues, duration, cfg)
	}

	return output, !out.Valid()
}

func printTextResult(name string, out *rv.Outcome, issues []rv.Issue, duration time.Duration, cfg *cliConfig) {
	status := "VALID"
	if !out.Valid() {
		status = "INVALID"
	}

	fmt.Printf("== %s ==\n", name)
	fmt.Printf("Status: %s\n", status)
	fmt.Printf("Errors: %d, Warnings: %d\n", out.ErrorCount(), out.WarningCount())
	if out.EngineVersion != "" {
		fmt.Printf("Engine: %s\n", out.EngineVersion)
	}
	fmt.Printf("Duration: %s\n", duration.Round(time.Microsecond))

	if len(issues) > 0 {
		fmt.Println("\nIssues:")
		for _, iss := range issues {
			if cfg.Quiet && iss.Severity == rv.SeverityInformation {
				continue
			}
			location := ""
			if iss.Path != "" {
				location = fmt.Sprintf(" @ %s", iss.Path)
			}
			fmt.Printf("  %s [%s/%s] %s%s\n",
				severityIcon(iss.Severity), iss.Aspect, iss.Code, iss.Diagnostics, location)
		}
	}

	fmt.Println()
}

func severityIcon(severity rv.IssueSeverity) string {
	switch severity {
	case rv.SeverityFatal:
		return "FATAL"
	case rv.SeverityError:
		return "ERROR"
	case rv.SeverityWarning:
		return "WARN "
	case rv.SeverityInformation:
		return "INFO "
	default:
		return "     "
	}
}
