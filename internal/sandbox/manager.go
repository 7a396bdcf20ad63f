package sandbox

import "runtime"

// NewSandboxManager creates the appropriate sandbox manager for the current platform.
// Falls back to NoopSandbox if no platform-specific sandbox is available.
func NewSandboxManager() SandboxManager {
	candidates := platformCandidates()
	for _, s := range candidates {
		if s.Available() {
			return s
		}
	}
	return &NoopSandbox{}
}

// platformCandidates returns the sandbox implementations worth probing for
// the current OS, in preference order. Kept separate from NewSandboxManager
// so callers that only want to report what *would* be chosen (e.g. a
// preflight diagnostics command) don't need to instantiate one.
func platformCandidates() []SandboxManager {
	switch runtime.GOOS {
	case "darwin":
		return []SandboxManager{&SeatbeltSandbox{}}
	case "linux":
		return []SandboxManager{&LinuxSandbox{}}
	default:
		return nil
	}
}

// NewNoopSandboxManager always returns a no-op sandbox (for testing or full-access mode).
func NewNoopSandboxManager() SandboxManager {
	return &NoopSandbox{}
}
