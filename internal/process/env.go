package process

import (
	"sort"
	"strings"
)

// EnvOptions controls BuildEnv.
type EnvOptions struct {
	Base     []string          // inherited KEY=VALUE entries
	Env      map[string]string // explicit entries, applied last
	Clean    bool
	Shell    Shell
	GOOS     string
	ToolDirs []string // prepended to the reconstructed PATH in clean mode
}

var cleanKeepUnix = []string{"HOME", "USER", "LOGNAME", "LANG", "LC_ALL", "TMPDIR", "TZ"}

var cleanKeepWindows = []string{
	"SYSTEMROOT", "WINDIR", "USERPROFILE", "USERNAME", "TEMP", "TMP",
	"COMSPEC", "PATHEXT", "APPDATA", "LOCALAPPDATA", "PROGRAMDATA",
}

var systemPathUnix = []string{"/usr/local/bin", "/usr/bin", "/bin", "/usr/local/sbin", "/usr/sbin", "/sbin"}

type envEntry struct {
	key, val string
}

// BuildEnv returns the shell's environment as sorted KEY=VALUE entries.
// Clean mode keeps only a few identity variables and rebuilds PATH from
// ToolDirs plus the system directories. Prompt variables are always set and
// explicit Env entries always win.
func BuildEnv(o EnvOptions) []string {
	windows := o.GOOS == "windows"
	canon := func(k string) string {
		if windows {
			return strings.ToUpper(k)
		}
		return k
	}

	env := make(map[string]envEntry)
	set := func(k, v string) {
		env[canon(k)] = envEntry{key: k, val: v}
	}

	inherited := make(map[string]envEntry)
	for _, kv := range o.Base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" || strings.ContainsRune(kv, '\x00') {
			continue
		}
		inherited[canon(k)] = envEntry{key: k, val: v}
	}

	if o.Clean {
		keep := cleanKeepUnix
		sep := ":"
		sysPath := systemPathUnix
		if windows {
			keep = cleanKeepWindows
			sep = ";"
			sysPath = nil
			if root, ok := inherited["SYSTEMROOT"]; ok {
				sysPath = []string{root.val + `\System32`, root.val, root.val + `\System32\WindowsPowerShell\v1.0`}
			}
		}
		for _, k := range keep {
			if e, ok := inherited[canon(k)]; ok {
				env[canon(k)] = e
			}
		}
		set("PATH", joinPath(sep, o.ToolDirs, sysPath))
	} else {
		for k, e := range inherited {
			env[k] = e
		}
	}

	for k, v := range PromptEnv(o.Shell) {
		set(k, v)
	}
	for k, v := range o.Env {
		if strings.TrimSpace(k) == "" || strings.ContainsAny(k, "=\x00") {
			continue
		}
		set(k, v)
	}

	out := make([]string, 0, len(env))
	for _, e := range env {
		out = append(out, e.key+"="+e.val)
	}
	sort.Strings(out)
	return out
}

func joinPath(sep string, lists ...[]string) string {
	seen := make(map[string]bool)
	var parts []string
	for _, l := range lists {
		for _, d := range l {
			if d == "" || seen[d] {
				continue
			}
			seen[d] = true
			parts = append(parts, d)
		}
	}
	return strings.Join(parts, sep)
}

// PromptEnv returns the variables that keep a shell's prompt and colors out
// of captured output.
func PromptEnv(s Shell) map[string]string {
	env := map[string]string{
		"NO_COLOR": "1",
		"TERM":     "dumb",
	}
	switch s.Name {
	case "zsh":
		env["PROMPT"] = ""
		env["RPROMPT"] = ""
		env["PS1"] = ""
		env["PROMPT_COMMAND"] = ""
	case "pwsh", "powershell", "cmd":
		// Prompt is reset by InitScript.
	default:
		env["PS1"] = ""
		env["PS2"] = ""
		env["PROMPT_COMMAND"] = ""
	}
	return env
}
