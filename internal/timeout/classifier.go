package timeout

import (
	"fmt"
	"path"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/acolita/resilient-shell-mcp/internal/patterns"
)

// Profile is a user-defined classification rule. Executables are doublestar
// globs matched against the executable as typed and against its base name.
// Verbs, if set, must match the leading arguments ("install", "pip sync").
// Zero durations inherit from the classifier defaults.
type Profile struct {
	Name        string
	Executables []string
	Verbs       []string
	Patterns    []string // pattern set names, merged
	Base        time.Duration
	Activity    time.Duration
	Grace       time.Duration
	Absolute    time.Duration
}

// Classification is the outcome of ForCommand with the rule that produced it.
type Classification struct {
	Profile string
	Config  Config
}

// Built-in profile names.
const (
	ProfilePip     = "pip"
	ProfileUV      = "uv"
	ProfileNPM     = "npm"
	ProfileJVM     = "jvm"
	ProfileShort   = "short"
	ProfileGeneric = "generic"
)

var (
	pipExe    = regexp.MustCompile(`^pip(\d+(\.\d+)?)?$`)
	pythonExe = regexp.MustCompile(`^python(\d+(\.\d+)?)?$`)
)

var shortCommands = map[string]bool{
	"echo": true, "pwd": true, "ls": true, "cd": true, "which": true,
	"cat": true, "env": true, "export": true, "true": true,
}

// Classifier maps command text to a tuned Config.
type Classifier struct {
	mu       sync.RWMutex
	defaults Config
	profiles []compiledProfile
}

type compiledProfile struct {
	Profile
	cfg Config
}

// NewClassifier builds a classifier. defaults supplies the fallback budgets;
// its pattern lists are replaced by the generic set when empty.
func NewClassifier(defaults Config, profiles []Profile) (*Classifier, error) {
	if len(defaults.ProgressPatterns) == 0 && len(defaults.ErrorPatterns) == 0 {
		g, _ := patterns.Lookup(patterns.SetGeneric)
		defaults = defaults.WithPatterns(g)
	}
	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("default timeouts: %w", err)
	}
	c := &Classifier{defaults: defaults}
	if err := c.SetProfiles(profiles); err != nil {
		return nil, err
	}
	return c, nil
}

// SetProfiles replaces the user-defined profiles. On error the previous
// profiles stay in effect.
func (c *Classifier) SetProfiles(profiles []Profile) error {
	compiled := make([]compiledProfile, 0, len(profiles))
	for _, p := range profiles {
		cp, err := c.compile(p)
		if err != nil {
			return fmt.Errorf("profile %q: %w", p.Name, err)
		}
		compiled = append(compiled, cp)
	}
	c.mu.Lock()
	c.profiles = compiled
	c.mu.Unlock()
	return nil
}

func (c *Classifier) compile(p Profile) (compiledProfile, error) {
	if len(p.Executables) == 0 {
		return compiledProfile{}, fmt.Errorf("no executables")
	}
	for _, g := range p.Executables {
		if !doublestar.ValidatePattern(g) {
			return compiledProfile{}, fmt.Errorf("invalid executable glob %q", g)
		}
	}
	cfg := c.budget(p.Base, p.Activity, p.Grace, p.Absolute)
	names := p.Patterns
	if len(names) == 0 {
		names = []string{patterns.SetGeneric}
	}
	set, err := patterns.Merge(names...)
	if err != nil {
		return compiledProfile{}, err
	}
	cfg = cfg.WithPatterns(set)
	if err := cfg.Validate(); err != nil {
		return compiledProfile{}, err
	}
	return compiledProfile{Profile: p, cfg: cfg}, nil
}

func (c *Classifier) budget(base, activity, grace, absolute time.Duration) Config {
	cfg := c.defaults
	if base > 0 {
		cfg.BaseTimeout = base
	}
	if activity > 0 {
		cfg.ActivityExtension = activity
	}
	if grace > 0 {
		cfg.GraceTimeout = grace
	}
	if absolute > 0 {
		cfg.AbsoluteMaximum = absolute
	}
	return cfg
}

// ForCommand returns the Config for command text.
func (c *Classifier) ForCommand(text string) Config {
	return c.Classify(text).Config
}

// Classify checks user profiles first, then the built-in rules, and falls
// back to the defaults with the generic pattern set.
func (c *Classifier) Classify(text string) Classification {
	exe, args := splitCommand(text)

	c.mu.RLock()
	profiles := c.profiles
	defaults := c.defaults
	c.mu.RUnlock()

	if exe == "" {
		return Classification{Profile: ProfileGeneric, Config: defaults}
	}
	for _, p := range profiles {
		if p.matches(exe, args) {
			return Classification{Profile: p.Name, Config: p.cfg}
		}
	}

	base := path.Base(exe)
	switch {
	case pipExe.MatchString(base) && verbIn(args, "install", "uninstall", "download", "wheel"):
		return builtin(defaults.Debug, ProfilePip)
	case pythonExe.MatchString(base) && len(args) >= 3 && args[0] == "-m" && args[1] == "pip" &&
		verbIn(args[2:], "install", "uninstall", "download", "wheel"):
		return builtin(defaults.Debug, ProfilePip)
	case base == "uv" && (verbIn(args, "sync", "add", "lock") || (len(args) >= 2 && args[0] == "pip" && verbIn(args[1:], "install", "sync"))):
		return builtin(defaults.Debug, ProfileUV)
	case (base == "npm" || base == "pnpm") && verbIn(args, "install", "i", "ci", "add"),
		base == "yarn" && (len(args) == 0 || verbIn(args, "install", "add")):
		return builtin(defaults.Debug, ProfileNPM)
	case base == "gradle" || base == "gradlew" || base == "mvn" || base == "mvnw":
		return builtin(defaults.Debug, ProfileJVM)
	case shortCommands[base]:
		return short(defaults.Debug)
	}
	return Classification{Profile: ProfileGeneric, Config: defaults}
}

type builtinBudget struct {
	set                             string
	base, activity, grace, absolute time.Duration
}

var builtinBudgets = map[string]builtinBudget{
	ProfilePip: {patterns.SetPip, 120 * time.Second, 30 * time.Second, 60 * time.Second, 30 * time.Minute},
	ProfileUV:  {patterns.SetUV, 60 * time.Second, 20 * time.Second, 30 * time.Second, 20 * time.Minute},
	ProfileNPM: {patterns.SetNPM, 120 * time.Second, 30 * time.Second, 60 * time.Second, 30 * time.Minute},
	ProfileJVM: {patterns.SetJVM, 180 * time.Second, 60 * time.Second, 120 * time.Second, 60 * time.Minute},
}

func builtin(debug bool, profile string) Classification {
	b := builtinBudgets[profile]
	s, _ := patterns.Lookup(b.set)
	cfg := Config{
		BaseTimeout:       b.base,
		ActivityExtension: b.activity,
		GraceTimeout:      b.grace,
		AbsoluteMaximum:   b.absolute,
		Debug:             debug,
	}
	return Classification{Profile: profile, Config: cfg.WithPatterns(s)}
}

func short(debug bool) Classification {
	// Short commands carry no patterns: cat of a log must not trip an
	// error pattern.
	cfg := Config{
		BaseTimeout:       10 * time.Second,
		ActivityExtension: 5 * time.Second,
		GraceTimeout:      5 * time.Second,
		AbsoluteMaximum:   60 * time.Second,
		Debug:             debug,
	}
	return Classification{Profile: ProfileShort, Config: cfg}
}

// Profile returns the Config of a named profile: a user profile, a built-in
// or "generic" for the defaults.
func (c *Classifier) Profile(name string) (Config, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.profiles {
		if p.Name == name {
			return p.cfg, true
		}
	}
	switch name {
	case ProfileGeneric:
		return c.defaults, true
	case ProfileShort:
		return short(c.defaults.Debug).Config, true
	}
	if _, ok := builtinBudgets[name]; ok {
		return builtin(c.defaults.Debug, name).Config, true
	}
	return Config{}, false
}

// ProfileNames lists user profiles followed by the built-ins.
func (c *Classifier) ProfileNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.profiles)+6)
	for _, p := range c.profiles {
		names = append(names, p.Name)
	}
	return append(names, ProfilePip, ProfileUV, ProfileNPM, ProfileJVM, ProfileShort, ProfileGeneric)
}

func (p compiledProfile) matches(exe string, args []string) bool {
	base := path.Base(exe)
	hit := false
	for _, g := range p.Executables {
		if ok, _ := doublestar.Match(g, exe); ok {
			hit = true
			break
		}
		if ok, _ := doublestar.Match(g, base); ok {
			hit = true
			break
		}
	}
	if !hit {
		return false
	}
	if len(p.Verbs) == 0 {
		return true
	}
	for _, v := range p.Verbs {
		words := strings.Fields(v)
		if len(words) == 0 || len(words) > len(args) {
			continue
		}
		ok := true
		for i, w := range words {
			if args[i] != w {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

// splitCommand extracts the executable and arguments of the first simple
// command, skipping leading VAR=value assignments and sudo/env/time/exec
// wrappers.
func splitCommand(text string) (string, []string) {
	first := text
	for _, sep := range []string{"&&", "||", ";", "|", "\n"} {
		if i := strings.Index(first, sep); i >= 0 {
			first = first[:i]
		}
	}
	fields := strings.Fields(first)
	for len(fields) > 0 {
		f := fields[0]
		switch {
		case strings.Contains(f, "=") && !strings.HasPrefix(f, "="):
			fields = fields[1:]
		case f == "sudo" || f == "time" || f == "exec" || f == "nohup":
			fields = fields[1:]
		case f == "env" && len(fields) > 1:
			fields = fields[1:]
		default:
			return f, fields[1:]
		}
	}
	return "", nil
}

// verbIn reports whether the first non-flag argument is one of verbs.
func verbIn(args []string, verbs ...string) bool {
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			continue
		}
		for _, v := range verbs {
			if a == v {
				return true
			}
		}
		return false
	}
	return false
}
