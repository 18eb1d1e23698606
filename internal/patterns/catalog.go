package patterns

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Set is a named pair of progress and error pattern lists tuned for one
// tool family.
type Set struct {
	Name     string
	Progress []string
	Errors   []string
}

// Built-in set names.
const (
	SetPip     = "pip"
	SetUV      = "uv"
	SetNPM     = "npm"
	SetJVM     = "jvm"
	SetGeneric = "generic"
)

var pipSet = Set{
	Name: SetPip,
	Progress: []string{
		`(?m)^\s*Collecting \S+`,
		`Downloading \S+`,
		`(?i)Using cached \S+`,
		`(?m)^\s*Installing collected packages`,
		`(?i)Building wheels? for`,
		`(?i)Preparing metadata`,
		`(?m)^\s*Requirement already satisfied`,
		`(?m)^Successfully (installed|uninstalled|downloaded|built)`,
		`\d+(\.\d+)?\s*[kMG]B/s`,
	},
	Errors: []string{
		`(?m)^ERROR:`,
		`No matching distribution found for`,
		`Could not find a version that satisfies the requirement`,
		`ResolutionImpossible`,
		`error: subprocess-exited-with-error`,
		`error: externally-managed-environment`,
	},
}

var uvSet = Set{
	Name: SetUV,
	Progress: []string{
		`Resolved \d+ packages?`,
		`Prepared \d+ packages?`,
		`Installed \d+ packages?`,
		`Uninstalled \d+ packages?`,
		`Audited \d+ packages?`,
		`Downloading \S+`,
		`(?m)^\s*Built \S+`,
		`(?m)^\s*[+-] \S+==\S+`,
	},
	Errors: []string{
		`(?m)^error:`,
		`No solution found when resolving`,
		`we can conclude that .* (are|is) unsatisfiable`,
	},
}

var npmSet = Set{
	Name: SetNPM,
	Progress: []string{
		`added \d+ packages?`,
		`(?m)^npm (http|timing) `,
		`(?i)\breify\b`,
		`idealTree`,
		`Progress: resolved \d+`,
		`Packages: \+\d+`,
		`\[\d+/\d+\] (Resolving|Fetching|Linking|Building)`,
		`(?m)^(up to date|changed \d+ packages?)`,
	},
	Errors: []string{
		`(?m)^npm ERR!`,
		`(?m)^npm error `,
		`ERR_PNPM_[A-Z_]+`,
		`(?m)^error An unexpected error occurred`,
		`ERESOLVE unable to resolve dependency tree`,
	},
}

var jvmSet = Set{
	Name: SetJVM,
	Progress: []string{
		`(?m)^> Task :\S+`,
		`(?m)^> Configure project`,
		`Download(ing|ed) from \S+`,
		`(?m)^\[INFO\] (Building|Downloading|Downloaded|---)`,
		`\d+% (EXECUTING|CONFIGURING|INITIALIZING)`,
		`Starting a Gradle Daemon`,
	},
	Errors: []string{
		`BUILD FAILED`,
		`BUILD FAILURE`,
		`(?m)^FAILURE: Build failed`,
		`(?m)^\[ERROR\]`,
		`Could not resolve all (files|dependencies|artifacts)`,
	},
}

var catalog = map[string]Set{
	SetPip: pipSet,
	SetUV:  uvSet,
	SetNPM: npmSet,
	SetJVM: jvmSet,
}

func init() {
	generic, err := merge(SetPip, SetUV, SetNPM, SetJVM)
	if err != nil {
		panic(err)
	}
	generic.Name = SetGeneric
	catalog[SetGeneric] = generic
}

// Lookup returns a copy of the named built-in set.
func Lookup(name string) (Set, bool) {
	s, ok := catalog[name]
	if !ok {
		return Set{}, false
	}
	return s.clone(), true
}

// Names lists the built-in set names in sorted order.
func Names() []string {
	names := make([]string, 0, len(catalog))
	for n := range catalog {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Merge concatenates the progress and error lists of the named sets,
// dropping duplicates while keeping first-seen order.
func Merge(names ...string) (Set, error) {
	return merge(names...)
}

func merge(names ...string) (Set, error) {
	out := Set{Name: strings.Join(names, "+")}
	seenP := make(map[string]bool)
	seenE := make(map[string]bool)
	for _, n := range names {
		s, ok := catalog[n]
		if !ok {
			return Set{}, fmt.Errorf("unknown pattern set %q (known: %s)", n, strings.Join(Names(), ", "))
		}
		for _, p := range s.Progress {
			if !seenP[p] {
				seenP[p] = true
				out.Progress = append(out.Progress, p)
			}
		}
		for _, p := range s.Errors {
			if !seenE[p] {
				seenE[p] = true
				out.Errors = append(out.Errors, p)
			}
		}
	}
	return out, nil
}

func (s Set) clone() Set {
	return Set{
		Name:     s.Name,
		Progress: append([]string(nil), s.Progress...),
		Errors:   append([]string(nil), s.Errors...),
	}
}

// Matcher compiles the set.
func (s Set) Matcher() (*Matcher, error) {
	return NewMatcher(s.Progress, s.Errors)
}

// Validate reports every pattern that fails to compile and every pattern
// string that appears in both lists.
func Validate(progress, errs []string) error {
	var problems []error
	for _, p := range progress {
		if _, err := regexp.Compile(p); err != nil {
			problems = append(problems, fmt.Errorf("progress pattern %q does not compile: %w", p, err))
		}
	}
	inErrors := make(map[string]bool, len(errs))
	for _, p := range errs {
		if _, err := regexp.Compile(p); err != nil {
			problems = append(problems, fmt.Errorf("error pattern %q does not compile: %w", p, err))
		}
		inErrors[p] = true
	}
	reported := make(map[string]bool)
	for _, p := range progress {
		if inErrors[p] && !reported[p] {
			reported[p] = true
			problems = append(problems, fmt.Errorf("pattern %q is listed as both progress and error", p))
		}
	}
	return errors.Join(problems...)
}
