// rshell-exec runs one command through a fresh resilient shell session and
// prints the result and timeout timeline as JSON. It is a manual smoke tool
// for timeout profiles.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/acolita/resilient-shell-mcp/internal/config"
	"github.com/acolita/resilient-shell-mcp/internal/logging"
	"github.com/acolita/resilient-shell-mcp/internal/process"
	"github.com/acolita/resilient-shell-mcp/internal/recovery"
	"github.com/acolita/resilient-shell-mcp/internal/session"
	"github.com/acolita/resilient-shell-mcp/internal/timeout"
	"github.com/acolita/resilient-shell-mcp/internal/toolenv"
)

type output struct {
	Profile     string                 `json:"profile"`
	Config      budget                 `json:"config"`
	Result      *session.Result        `json:"result"`
	Suggestions []*recovery.Suggestion `json:"suggestions,omitempty"`
}

type budget struct {
	BaseMS     int64 `json:"base_timeout_ms"`
	ActivityMS int64 `json:"activity_extension_ms"`
	GraceMS    int64 `json:"grace_timeout_ms"`
	AbsoluteMS int64 `json:"absolute_maximum_ms"`
}

func main() {
	var (
		configPath string
		profile    string
		strategy   string
		cwd        string
		base       time.Duration
		activity   time.Duration
		grace      time.Duration
		absolute   time.Duration
		debug      bool
	)

	flag.StringVar(&configPath, "config", config.DefaultConfigPath(), "Path to configuration file")
	flag.StringVar(&profile, "profile", "", "Timeout profile (default: classified from the command)")
	flag.StringVar(&strategy, "strategy", "", "Process strategy: 'pty' or 'pipe'")
	flag.StringVar(&cwd, "cwd", "", "Working directory")
	flag.DurationVar(&base, "base", 0, "Override the base timeout")
	flag.DurationVar(&activity, "activity", 0, "Override the activity extension")
	flag.DurationVar(&grace, "grace", 0, "Override the grace period")
	flag.DurationVar(&absolute, "absolute", 0, "Override the absolute maximum")
	flag.BoolVar(&debug, "debug", false, "Log timeout events to stderr")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: rshell-exec [flags] -- command...\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	command := strings.Join(flag.Args(), " ")
	if strings.TrimSpace(command) == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fatalf("Error loading config: %v", err)
	}
	if strategy != "" {
		cfg.Shell.Strategy = strategy
	}
	level := "warn"
	if debug {
		level = "debug"
		cfg.Timeouts.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		fatalf("Invalid configuration: %v", err)
	}
	logger := logging.New(os.Stderr, level, cfg.Logging.Sanitize)

	classifier, err := cfg.Classifier()
	if err != nil {
		fatalf("Invalid timeouts: %v", err)
	}
	name, tcfg := classify(classifier, profile, command)
	for _, o := range []struct {
		v   time.Duration
		dst *time.Duration
	}{
		{base, &tcfg.BaseTimeout},
		{activity, &tcfg.ActivityExtension},
		{grace, &tcfg.GraceTimeout},
		{absolute, &tcfg.AbsoluteMaximum},
	} {
		if o.v > 0 {
			*o.dst = o.v
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	detector := toolenv.NewDetector(nil)
	processes := process.NewManager(process.WithToolDirs(detector), process.WithLogger(logger))

	popts := cfg.ProcessOptions()
	if cwd != "" {
		popts.Dir = cwd
	}
	sess, err := session.Open(ctx, processes, popts, session.WithLogger(logger))
	if err != nil {
		fatalf("Error creating session: %v", err)
	}

	result, err := sess.Execute(ctx, command, tcfg, session.WithEventCapture())
	if err != nil {
		sess.Cleanup()
		fatalf("Error executing command: %v", err)
	}

	out := output{
		Profile: name,
		Config: budget{
			BaseMS:     tcfg.BaseTimeout.Milliseconds(),
			ActivityMS: tcfg.ActivityExtension.Milliseconds(),
			GraceMS:    tcfg.GraceTimeout.Milliseconds(),
			AbsoluteMS: tcfg.AbsoluteMaximum.Milliseconds(),
		},
		Result: result,
		Suggestions: recovery.NewAnalyzer().Analyze(command, result.Stdout+"\n"+result.Stderr,
			result.TerminationReason, result.ExitCode),
	}
	data, _ := json.MarshalIndent(out, "", "  ")
	fmt.Println(string(data))

	sess.Cleanup()
	switch {
	case result.TimedOut:
		os.Exit(124)
	case result.ExitCode != nil:
		os.Exit(*result.ExitCode)
	}
}

func classify(c *timeout.Classifier, profile, command string) (string, timeout.Config) {
	if profile == "" {
		cl := c.Classify(command)
		return cl.Profile, cl.Config
	}
	cfg, ok := c.Profile(profile)
	if !ok {
		fatalf("unknown profile %q (known: %s)", profile, strings.Join(c.ProfileNames(), ", "))
	}
	return profile, cfg
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
