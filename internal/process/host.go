package process

import (
	"os"
	"os/exec"
	"runtime"
)

func hostDefaults(m *Manager) {
	m.goos = runtime.GOOS
	m.lookPath = exec.LookPath
	m.environ = os.Environ
	m.getenv = os.Getenv
}
