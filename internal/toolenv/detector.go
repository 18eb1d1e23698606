// Package toolenv detects which package-manager executables are installed.
package toolenv

import (
	"os/exec"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"
)

// KnownTools are probed by Detect when no names are given.
var KnownTools = []string{
	"python3", "python", "pip3", "pip", "uv",
	"node", "npm", "npx", "yarn", "pnpm",
	"java", "gradle", "mvn",
	"git",
}

// LookPathFunc resolves an executable name to a path.
type LookPathFunc func(name string) (string, error)

// Tool is the availability of one executable.
type Tool struct {
	Name      string `json:"name"`
	Path      string `json:"path,omitempty"`
	Available bool   `json:"available"`
}

// Detector caches executable lookups for its lifetime. Concurrent lookups of
// the same name share one call.
type Detector struct {
	lookPath LookPathFunc
	group    singleflight.Group

	mu    sync.RWMutex
	cache map[string]Tool
}

// NewDetector returns a detector using lookPath, or exec.LookPath if nil.
func NewDetector(lookPath LookPathFunc) *Detector {
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	return &Detector{
		lookPath: lookPath,
		cache:    make(map[string]Tool),
	}
}

// Lookup returns the cached result for name, probing on first use.
func (d *Detector) Lookup(name string) Tool {
	if t, ok := d.cached(name); ok {
		return t
	}
	v, _, _ := d.group.Do(name, func() (interface{}, error) {
		if t, ok := d.cached(name); ok {
			return t, nil
		}
		t := Tool{Name: name}
		if p, err := d.lookPath(name); err == nil && p != "" {
			t.Path = p
			t.Available = true
		}
		d.mu.Lock()
		d.cache[name] = t
		d.mu.Unlock()
		return t, nil
	})
	return v.(Tool)
}

func (d *Detector) cached(name string) (Tool, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.cache[name]
	return t, ok
}

// Available reports whether name resolves to an executable.
func (d *Detector) Available(name string) bool {
	return d.Lookup(name).Available
}

// Detect looks up every name, or KnownTools if none are given.
func (d *Detector) Detect(names ...string) []Tool {
	if len(names) == 0 {
		names = KnownTools
	}
	out := make([]Tool, 0, len(names))
	for _, n := range names {
		out = append(out, d.Lookup(n))
	}
	return out
}

// Dirs returns the sorted, de-duplicated directories holding the available
// known tools.
func (d *Detector) Dirs() []string {
	seen := make(map[string]bool)
	var dirs []string
	for _, t := range d.Detect() {
		if !t.Available {
			continue
		}
		dir := filepath.Dir(t.Path)
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	sort.Strings(dirs)
	return dirs
}

// Reset drops every cached result.
func (d *Detector) Reset() {
	d.mu.Lock()
	d.cache = make(map[string]Tool)
	d.mu.Unlock()
}
