package security

import (
	"os"
	"runtime"
)

// ProcessState captures the security-relevant properties of the current
// process at a point in time.
type ProcessState struct {
	PID              int
	UID              int
	EUID             int
	IsRoot           bool
	Platform         string
	DebuggerAttached bool
	Warnings         []string
}

// CaptureProcessState inspects the running process.
func CaptureProcessState() *ProcessState {
	s := &ProcessState{
		PID:      os.Getpid(),
		UID:      os.Getuid(),
		EUID:     os.Geteuid(),
		Platform: runtime.GOOS + "/" + runtime.GOARCH,
	}

	s.IsRoot = s.EUID == 0
	if s.IsRoot {
		s.Warnings = append(s.Warnings, "running as root")
	}

	s.DebuggerAttached = DebuggerAttached()
	if s.DebuggerAttached {
		s.Warnings = append(s.Warnings, "debugger attached")
	}

	return s
}

// DebuggerAttached reports whether a tracer is attached to this process.
func DebuggerAttached() bool {
	return debuggerAttached()
}

// dangerousEnvVars can redirect library loading or leak key material
// through child processes.
var dangerousEnvVars = []string{
	"LD_PRELOAD",
	"LD_LIBRARY_PATH",
	"LD_AUDIT",
	"DYLD_INSERT_LIBRARIES",
	"DYLD_LIBRARY_PATH",
}

// SecureEnvironment strips loader-override variables and tightens the
// umask so files created by this process default to owner-only.
func SecureEnvironment() {
	for _, v := range dangerousEnvVars {
		os.Unsetenv(v)
	}
	setRestrictiveUmask()
}

// DisableCoreDumps prevents key material from landing in a core file.
func DisableCoreDumps() error {
	return disableCoreDumps()
}

// ChecklistItem is one hardening check result.
type ChecklistItem struct {
	Name    string
	Passed  bool
	Message string
}

// Checklist aggregates the startup hardening checks.
type Checklist struct {
	Items []ChecklistItem
}

// AllPassed reports whether every check passed.
func (c *Checklist) AllPassed() bool {
	for _, item := range c.Items {
		if !item.Passed {
			return false
		}
	}
	return true
}

// Warnings returns the messages of failed checks.
func (c *Checklist) Warnings() []string {
	var out []string
	for _, item := range c.Items {
		if !item.Passed {
			out = append(out, item.Message)
		}
	}
	return out
}

// RunChecklist evaluates the process hardening posture. Callers decide
// whether failures are fatal; key operations remain available either way.
func RunChecklist() *Checklist {
	state := CaptureProcessState()

	c := &Checklist{}
	c.Items = append(c.Items, ChecklistItem{
		Name:    "non_root",
		Passed:  !state.IsRoot,
		Message: "process is running as root",
	})
	c.Items = append(c.Items, ChecklistItem{
		Name:    "no_debugger",
		Passed:  !state.DebuggerAttached,
		Message: "a debugger is attached",
	})
	c.Items = append(c.Items, ChecklistItem{
		Name:    "core_disabled",
		Passed:  !coreDumpsEnabled(),
		Message: "core dumps are enabled",
	})

	return c
}
