package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/acolita/resilient-shell-mcp/internal/logging"
	"github.com/acolita/resilient-shell-mcp/internal/process"
	"github.com/acolita/resilient-shell-mcp/internal/recovery"
	"github.com/acolita/resilient-shell-mcp/internal/security"
	"github.com/acolita/resilient-shell-mcp/internal/session"
	"github.com/acolita/resilient-shell-mcp/internal/timeout"
	"github.com/acolita/resilient-shell-mcp/internal/toolenv"
)

// registerTools registers all MCP tools with the server.
func (s *Server) registerTools() {
	s.mcpServer.AddTool(shellSessionCreateTool(), s.handleShellSessionCreate)
	s.mcpServer.AddTool(shellExecTool(), s.handleShellExec)
	s.mcpServer.AddTool(shellSignalTool(), s.handleShellSignal)
	s.mcpServer.AddTool(shellSessionCloseTool(), s.handleShellSessionClose)
	s.mcpServer.AddTool(shellSessionListTool(), s.handleShellSessionList)
	s.mcpServer.AddTool(shellSessionStatsTool(), s.handleShellSessionStats)
	s.mcpServer.AddTool(shellToolsAvailableTool(), s.handleShellToolsAvailable)
}

// Tool definitions

func shellSessionCreateTool() mcp.Tool {
	return mcp.NewTool("shell_session_create",
		mcp.WithDescription("Start a persistent local shell session. Commands run in it keep cwd and environment between calls."),
		mcp.WithString("strategy",
			mcp.Description("Process strategy: 'pty' or 'pipe'. Empty tries pty then pipe."),
			mcp.Enum("", process.StrategyPTY, process.StrategyPipe),
		),
		mcp.WithBoolean("clean_env",
			mcp.Description("Start from a minimal environment instead of the server's"),
		),
		mcp.WithString("env",
			mcp.Description(`Extra environment as a JSON object, e.g. {"PIP_NO_INPUT":"1"}`),
		),
		mcp.WithString("cwd",
			mcp.Description("Working directory for the shell"),
		),
	)
}

func shellExecTool() mcp.Tool {
	return mcp.NewTool("shell_exec",
		mcp.WithDescription("Run a command with an activity-aware timeout. Output extends the deadline, silence enters a grace period, and known error output stops the command early."),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description(descSessionID),
		),
		mcp.WithString("command",
			mcp.Required(),
			mcp.Description("The command to execute"),
		),
		mcp.WithString("profile",
			mcp.Description("Timeout profile (pip, uv, npm, jvm, short, generic or a configured name). Default: classified from the command."),
		),
		mcp.WithNumber("base_timeout_ms",
			mcp.Description("Override the base timeout"),
		),
		mcp.WithNumber("activity_extension_ms",
			mcp.Description("Override the extension granted by output"),
		),
		mcp.WithNumber("grace_timeout_ms",
			mcp.Description("Override the grace period"),
		),
		mcp.WithNumber("absolute_maximum_ms",
			mcp.Description("Override the hard cap on runtime"),
		),
		mcp.WithBoolean("include_events",
			mcp.Description("Include the timeout event timeline in the result"),
		),
	)
}

func shellSignalTool() mcp.Tool {
	return mcp.NewTool("shell_signal",
		mcp.WithDescription("Send a signal to the running command's process group"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description(descSessionID),
		),
		mcp.WithString("signal",
			mcp.Description("interrupt (default), terminate or kill"),
			mcp.Enum("interrupt", "terminate", "kill"),
		),
	)
}

func shellSessionCloseTool() mcp.Tool {
	return mcp.NewTool("shell_session_close",
		mcp.WithDescription("Close and cleanup a shell session"),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description(descSessionID),
		),
	)
}

func shellSessionListTool() mcp.Tool {
	return mcp.NewTool("shell_session_list",
		mcp.WithDescription("List open shell sessions"),
	)
}

func shellSessionStatsTool() mcp.Tool {
	return mcp.NewTool("shell_session_stats",
		mcp.WithDescription("Timeout statistics for one session, or for the whole pool when session_id is omitted"),
		mcp.WithString("session_id",
			mcp.Description(descSessionID),
		),
	)
}

func shellToolsAvailableTool() mcp.Tool {
	return mcp.NewTool("shell_tools_available",
		mcp.WithDescription("Report which package managers and build tools are installed"),
	)
}

// Tool handlers

func (s *Server) handleShellSessionCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cfg, _ := s.current()
	opts := cfg.ProcessOptions()

	if strategy := mcp.ParseString(req, "strategy", ""); strategy != "" {
		if strategy != process.StrategyPTY && strategy != process.StrategyPipe {
			return mcp.NewToolResultError(fmt.Sprintf("%v %q", process.ErrUnknownStrategy, strategy)), nil
		}
		opts.Strategy = strategy
	}
	if mcp.ParseBoolean(req, "clean_env", false) {
		opts.CleanEnv = true
	}
	if cwd := mcp.ParseString(req, "cwd", ""); cwd != "" {
		opts.Dir = cwd
	}
	if raw := mcp.ParseString(req, "env", ""); raw != "" {
		var extra map[string]string
		if err := json.Unmarshal([]byte(raw), &extra); err != nil {
			return mcp.NewToolResultError("env must be a JSON object of strings: " + err.Error()), nil
		}
		for k, v := range extra {
			opts.Env[k] = v
		}
	}

	key := security.SpawnKey(opts.Shell, opts.Strategy)
	if err := s.spawnLimiter.Allow(key); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	s.logger.Info("creating shell session",
		slog.String("strategy", opts.Strategy),
		slog.Bool("clean_env", opts.CleanEnv),
	)

	sess, err := s.sessions.Create(ctx, session.CreateOptions{Process: opts})
	if err != nil {
		if !errors.Is(err, session.ErrMaxSessions) {
			s.spawnLimiter.RecordFailure(key)
		}
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.spawnLimiter.RecordSuccess(key)

	st := sess.Stats()
	return jsonResult(map[string]any{
		"session_id": sess.ID(),
		"status":     "ready",
		"shell":      st.Shell,
		"strategy":   st.Strategy,
	})
}

// execResponse is shell_exec's result.
type execResponse struct {
	*session.Result
	Profile     string                 `json:"profile"`
	Suggestions []*recovery.Suggestion `json:"suggestions,omitempty"`
}

func (s *Server) handleShellExec(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := mcp.ParseString(req, "session_id", "")
	command := mcp.ParseString(req, "command", "")

	if sessionID == "" {
		return mcp.NewToolResultError(errSessionIDRequired), nil
	}
	if strings.TrimSpace(command) == "" {
		return mcp.NewToolResultError(errCommandRequired), nil
	}

	if err := s.commandFilter.Check(command); err != nil {
		s.logger.Warn("command blocked",
			slog.String("session_id", sessionID),
			slog.String("command", logging.Truncate(command, 200)),
			slog.String("error", err.Error()),
		)
		return mcp.NewToolResultError(err.Error()), nil
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	profile, cfg, err := s.execConfig(req, command)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var opts []session.ExecOption
	if mcp.ParseBoolean(req, "include_events", false) {
		opts = append(opts, session.WithEventCapture())
	}

	s.logger.Info("executing command",
		slog.String("session_id", sessionID),
		slog.String("command", logging.Truncate(command, 200)),
		slog.String("profile", profile),
	)

	result, err := sess.Execute(ctx, command, cfg, opts...)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	resp := execResponse{Result: result, Profile: profile}
	resp.Suggestions = s.analyzer.Analyze(command, result.Stdout+"\n"+result.Stderr,
		result.TerminationReason, result.ExitCode)
	return jsonResult(resp)
}

// execConfig picks the named profile or classifies the command, then applies
// per-call overrides.
func (s *Server) execConfig(req mcp.CallToolRequest, command string) (string, timeout.Config, error) {
	_, classifier := s.current()

	var (
		name string
		cfg  timeout.Config
	)
	if p := mcp.ParseString(req, "profile", ""); p != "" {
		c, ok := classifier.Profile(p)
		if !ok {
			return "", timeout.Config{}, fmt.Errorf("unknown profile %q (known: %s)",
				p, strings.Join(classifier.ProfileNames(), ", "))
		}
		name, cfg = p, c
	} else {
		cl := classifier.Classify(command)
		name, cfg = cl.Profile, cl.Config
	}

	for _, o := range []struct {
		key string
		dst *time.Duration
	}{
		{"base_timeout_ms", &cfg.BaseTimeout},
		{"activity_extension_ms", &cfg.ActivityExtension},
		{"grace_timeout_ms", &cfg.GraceTimeout},
		{"absolute_maximum_ms", &cfg.AbsoluteMaximum},
	} {
		if ms := mcp.ParseInt64(req, o.key, 0); ms > 0 {
			*o.dst = time.Duration(ms) * time.Millisecond
		}
	}

	if err := cfg.Validate(); err != nil {
		return "", timeout.Config{}, err
	}
	return name, cfg, nil
}

func (s *Server) handleShellSignal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := mcp.ParseString(req, "session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError(errSessionIDRequired), nil
	}
	sig, err := process.ParseSignal(mcp.ParseString(req, "signal", string(process.Interrupt)))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	s.logger.Info("signalling session",
		slog.String("session_id", sessionID),
		slog.String("signal", string(sig)),
	)

	if err := sess.SendSignal(sig); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Signal %s sent", sig)), nil
}

func (s *Server) handleShellSessionClose(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := mcp.ParseString(req, "session_id", "")
	if sessionID == "" {
		return mcp.NewToolResultError(errSessionIDRequired), nil
	}

	s.logger.Info("closing session",
		slog.String("session_id", sessionID),
	)

	if err := s.sessions.Close(sessionID); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("Session closed"), nil
}

func (s *Server) handleShellSessionList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	list := s.sessions.ListDetailed()
	return jsonResult(map[string]any{
		"sessions": list,
		"count":    len(list),
	})
}

func (s *Server) handleShellSessionStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if sessionID := mcp.ParseString(req, "session_id", ""); sessionID != "" {
		sess, err := s.sessions.Get(sessionID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return jsonResult(sess.Stats())
	}

	out := map[string]any{
		"sessions": len(s.sessions.ListDetailed()),
		"timeout":  s.sessions.TimeoutStats(),
	}
	if s.recordings != nil {
		out["recording"] = map[string]any{
			"enabled": s.recordings.IsEnabled(),
			"active":  s.recordings.Active(),
		}
	}
	return jsonResult(out)
}

func (s *Server) handleShellToolsAvailable(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(map[string]any{
		"tools": s.detector.Detect(toolenv.KnownTools...),
		"dirs":  s.detector.Dirs(),
	})
}

// jsonResult converts a value to a JSON tool result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
