// Package recovery turns failed or stalled command output into recovery
// suggestions.
package recovery

import (
	"regexp"
	"sort"
	"strings"

	"github.com/acolita/resilient-shell-mcp/internal/timeout"
)

// Suggestion represents a recovery suggestion for an error.
type Suggestion struct {
	Error       string   `json:"error"`
	Category    string   `json:"category"`
	Commands    []string `json:"commands,omitempty"`
	Explanation string   `json:"explanation"`
	Confidence  float64  `json:"confidence"`
	Risky       bool     `json:"risky,omitempty"` // review before running
}

// Categories.
const (
	CategoryPackage    = "package"
	CategoryResolver   = "resolver"
	CategoryNetwork    = "network"
	CategoryPermission = "permission"
	CategoryBuild      = "build"
	CategoryDisk       = "disk"
	CategoryTimeout    = "timeout"
)

// Analyzer detects errors and suggests recovery actions.
type Analyzer struct {
	rules []recoveryRule
}

type recoveryRule struct {
	name    string
	pattern *regexp.Regexp
	suggest func(matches []string) *Suggestion
}

// NewAnalyzer creates a new error analyzer with default rules.
func NewAnalyzer() *Analyzer {
	return &Analyzer{
		rules: defaultRules(),
	}
}

// Analyze examines a finished command and returns suggestions, highest
// confidence first. exitCode is nil when the command never reported one.
// Successful commands yield nil.
func (a *Analyzer) Analyze(command, output string, reason timeout.Reason, exitCode *int) []*Suggestion {
	failed := reason == timeout.ReasonErrorDetected || timeout.IsTimeoutReason(reason) ||
		(exitCode != nil && *exitCode != 0)
	if !failed {
		return nil
	}

	var suggestions []*Suggestion
	seen := make(map[string]bool)
	for _, rule := range a.rules {
		matches := rule.pattern.FindStringSubmatch(output)
		if matches == nil || seen[rule.name] {
			continue
		}
		if s := rule.suggest(matches); s != nil {
			seen[rule.name] = true
			suggestions = append(suggestions, s)
		}
	}

	if s := reasonSuggestion(command, output, reason); s != nil {
		suggestions = append(suggestions, s)
	}

	sort.SliceStable(suggestions, func(i, j int) bool {
		return suggestions[i].Confidence > suggestions[j].Confidence
	})
	return suggestions
}

// reasonSuggestion covers commands stopped by the timeout itself.
func reasonSuggestion(command, output string, reason timeout.Reason) *Suggestion {
	quiet := strings.TrimSpace(output) == ""
	switch {
	case reason == timeout.ReasonGraceExpired && quiet:
		return &Suggestion{
			Error:    "No output before the grace period expired",
			Category: CategoryTimeout,
			Commands: []string{command + " </dev/null"},
			Explanation: "The command printed nothing. It may be waiting on an interactive prompt; " +
				"pass a non-interactive flag, or raise base_timeout_ms if it is slow to start.",
			Confidence: 0.6,
		}
	case reason == timeout.ReasonGraceExpired:
		return &Suggestion{
			Error:       "Output stalled",
			Category:    CategoryTimeout,
			Explanation: "Output stopped for longer than the grace period. Raise grace_timeout_ms for slow phases, or check the last lines for a prompt.",
			Confidence:  0.5,
		}
	case reason == timeout.ReasonAbsoluteMaximum:
		return &Suggestion{
			Error:       "Absolute maximum reached",
			Category:    CategoryTimeout,
			Explanation: "The command was still producing output at the hard cap. Raise absolute_maximum_ms or split the work.",
			Confidence:  0.5,
		}
	}
	return nil
}

func defaultRules() []recoveryRule {
	return []recoveryRule{
		{
			name:    "pip_no_distribution",
			pattern: regexp.MustCompile(`(?i)No matching distribution found for ([A-Za-z0-9_.\-\[\]]+)`),
			suggest: func(m []string) *Suggestion {
				pkg := group(m, 1)
				return &Suggestion{
					Error:       "No matching distribution: " + pkg,
					Category:    CategoryPackage,
					Commands:    []string{"pip index versions " + pkg, "python --version"},
					Explanation: "No release of the package supports this Python or platform. Check the name and the available versions.",
					Confidence:  0.85,
				}
			},
		},
		{
			name:    "uv_unsatisfiable",
			pattern: regexp.MustCompile(`(?i)(?:No solution found when resolving|requirements are unsatisfiable)`),
			suggest: func(_ []string) *Suggestion {
				return &Suggestion{
					Error:       "Dependency resolution failed",
					Category:    CategoryResolver,
					Commands:    []string{"uv tree", "uv lock --upgrade"},
					Explanation: "The requested versions conflict. Relax a pin or upgrade the lock file.",
					Confidence:  0.8,
				}
			},
		},
		{
			name:    "pip_resolver_conflict",
			pattern: regexp.MustCompile(`(?i)ResolutionImpossible|conflicting dependencies`),
			suggest: func(_ []string) *Suggestion {
				return &Suggestion{
					Error:       "Conflicting dependencies",
					Category:    CategoryResolver,
					Commands:    []string{"pip check", "pip install --upgrade pip"},
					Explanation: "Two requirements pin incompatible versions. Loosen one of the constraints.",
					Confidence:  0.8,
				}
			},
		},
		{
			name:    "npm_eresolve",
			pattern: regexp.MustCompile(`(?i)npm ERR! code ERESOLVE|npm error code ERESOLVE`),
			suggest: func(_ []string) *Suggestion {
				return &Suggestion{
					Error:       "npm peer dependency conflict",
					Category:    CategoryResolver,
					Commands:    []string{"npm install --legacy-peer-deps", "npm ls"},
					Explanation: "A peer dependency range cannot be satisfied. --legacy-peer-deps restores npm 6 behaviour.",
					Confidence:  0.8,
					Risky:       true,
				}
			},
		},
		{
			name: "network_timeout",
			pattern: regexp.MustCompile(`(?i)(ReadTimeoutError|ETIMEDOUT|ECONNRESET|EAI_AGAIN|` +
				`Connection timed out|Temporary failure in name resolution|Could not resolve host)`),
			suggest: func(m []string) *Suggestion {
				return &Suggestion{
					Error:       "Network failure: " + group(m, 1),
					Category:    CategoryNetwork,
					Commands:    []string{"pip install --timeout 120 <package>", "npm config set fetch-retries 5"},
					Explanation: "The package index could not be reached in time. Retry, raise the client timeout, or check proxy settings.",
					Confidence:  0.7,
				}
			},
		},
		{
			name:    "gradle_resolve",
			pattern: regexp.MustCompile(`Could not resolve all (?:files|dependencies) for configuration '([^']+)'`),
			suggest: func(m []string) *Suggestion {
				return &Suggestion{
					Error:       "Gradle could not resolve " + group(m, 1),
					Category:    CategoryResolver,
					Commands:    []string{"./gradlew --refresh-dependencies", "./gradlew dependencies --configuration " + group(m, 1)},
					Explanation: "A dependency is missing from the configured repositories or the network is down.",
					Confidence:  0.75,
				}
			},
		},
		{
			name:    "gradle_daemon",
			pattern: regexp.MustCompile(`(?i)Gradle build daemon disappeared|Timeout waiting to lock|daemon .* (?:busy|incompatible)`),
			suggest: func(_ []string) *Suggestion {
				return &Suggestion{
					Error:       "Gradle daemon problem",
					Category:    CategoryBuild,
					Commands:    []string{"./gradlew --stop", "./gradlew build --no-daemon"},
					Explanation: "The daemon crashed or another build holds its lock. Stop the daemons and retry.",
					Confidence:  0.8,
				}
			},
		},
		{
			name:    "npm_eacces",
			pattern: regexp.MustCompile(`(?i)npm (?:ERR!|error) code EACCES`),
			suggest: func(_ []string) *Suggestion {
				return &Suggestion{
					Error:       "npm permission error",
					Category:    CategoryPermission,
					Commands:    []string{"npm config set prefix ~/.local", "npm install --prefix ~/.local"},
					Explanation: "npm cannot write to its global directory. Use a user-owned prefix.",
					Confidence:  0.85,
				}
			},
		},
		{
			name:    "pip_externally_managed",
			pattern: regexp.MustCompile(`(?i)externally-managed-environment`),
			suggest: func(_ []string) *Suggestion {
				return &Suggestion{
					Error:       "System Python is externally managed",
					Category:    CategoryPermission,
					Commands:    []string{"python3 -m venv .venv && . .venv/bin/activate", "uv venv"},
					Explanation: "The distribution forbids pip installs into system Python. Use a virtual environment.",
					Confidence:  0.9,
				}
			},
		},
		{
			name:    "permission_denied",
			pattern: regexp.MustCompile(`(?i)permission denied|EACCES|\[Errno 13\]`),
			suggest: func(_ []string) *Suggestion {
				return &Suggestion{
					Error:       "Permission denied",
					Category:    CategoryPermission,
					Commands:    []string{"pip install --user <package>", "ls -ld ."},
					Explanation: "The target directory is not writable. Install into a user or project location.",
					Confidence:  0.6,
					Risky:       true,
				}
			},
		},
		{
			name:    "command_not_found",
			pattern: regexp.MustCompile(`(?i)(\S+):\s*(?:command )?not found`),
			suggest: func(m []string) *Suggestion {
				cmd := strings.TrimSuffix(group(m, 1), ":")
				return &Suggestion{
					Error:       "Command not found: " + cmd,
					Category:    CategoryPackage,
					Commands:    suggestPackageInstall(cmd),
					Explanation: "The command is not installed or not on PATH.",
					Confidence:  0.7,
				}
			},
		},
		{
			name:    "python_module",
			pattern: regexp.MustCompile(`ModuleNotFoundError: No module named '([\w.]+)'`),
			suggest: func(m []string) *Suggestion {
				module := strings.SplitN(group(m, 1), ".", 2)[0]
				return &Suggestion{
					Error:       "Python module not found: " + module,
					Category:    CategoryPackage,
					Commands:    []string{"pip install " + module, "uv pip install " + module},
					Explanation: "The module is not installed in the active environment.",
					Confidence:  0.9,
				}
			},
		},
		{
			name:    "node_module",
			pattern: regexp.MustCompile(`Cannot find module '([@\w/.-]+)'`),
			suggest: func(m []string) *Suggestion {
				module := group(m, 1)
				return &Suggestion{
					Error:       "Node module not found: " + module,
					Category:    CategoryPackage,
					Commands:    []string{"npm install", "npm install " + module},
					Explanation: "The module is missing from node_modules. Restore dependencies.",
					Confidence:  0.85,
				}
			},
		},
		{
			name:    "disk_full",
			pattern: regexp.MustCompile(`(?i)no space left on device|ENOSPC`),
			suggest: func(_ []string) *Suggestion {
				return &Suggestion{
					Error:       "Disk full",
					Category:    CategoryDisk,
					Commands:    []string{"df -h", "pip cache purge", "npm cache clean --force"},
					Explanation: "The disk is full. Package caches are usually the quickest space to reclaim.",
					Confidence:  0.9,
				}
			},
		},
	}
}

func suggestPackageInstall(cmd string) []string {
	packageMap := map[string][]string{
		"uv":     {"curl -LsSf https://astral.sh/uv/install.sh | sh", "pipx install uv"},
		"pip":    {"python3 -m ensurepip --upgrade"},
		"pip3":   {"python3 -m ensurepip --upgrade"},
		"poetry": {"pipx install poetry"},
		"npm":    {"brew install node", "sudo apt install npm"},
		"pnpm":   {"corepack enable pnpm", "npm install -g pnpm"},
		"yarn":   {"corepack enable yarn", "npm install -g yarn"},
		"gradle": {"./gradlew", "sdk install gradle"},
		"mvn":    {"sdk install maven", "brew install maven"},
		"cargo":  {"curl --proto '=https' --tlsv1.2 -sSf https://sh.rustup.rs | sh"},
		"go":     {"brew install go", "sudo apt install golang"},
	}

	if suggestions, ok := packageMap[cmd]; ok {
		return suggestions
	}
	return []string{"which " + cmd, "echo $PATH"}
}

func group(m []string, i int) string {
	if len(m) > i {
		return m[i]
	}
	return ""
}
