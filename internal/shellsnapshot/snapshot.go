// Package shellsnapshot captures a sanitized snapshot of the operator's
// interactive shell environment — exported variables and aliases, after
// sourcing their rc files — so that spawned shell commands see the same
// variables and aliases the operator would see in an interactive terminal,
// without re-sourcing (and re-paying the cost of) the rc files on every
// single exec.
//
// The snapshot is scoped to one session: it lives at
// <home>/shell_snapshots/snapshot_<session_id>.zsh, is reused across the
// session's lifetime as long as no rc file has changed since it was
// captured, and is deleted when the session ends.
package shellsnapshot

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"
)

// Kind identifies which shell family a Snapshot (or lack thereof) targets.
type Kind string

const (
	KindPosix      Kind = "posix" // bash, zsh
	KindPowerShell Kind = "powershell"
	KindUnknown    Kind = "unknown"
)

// posixRCFiles lists the zsh startup files checked for staleness, in
// sourcing order. bash uses a single rc file (.bashrc).
var posixRCFiles = []string{".zshenv", ".zprofile", ".zshrc", ".zlogin"}

// Snapshot is a captured, on-disk shell profile scoped to one session.
// Call Close when the session ends to delete the file.
type Snapshot struct {
	Path string
	Kind Kind
}

// Close deletes the snapshot file. Safe to call on an empty Snapshot.
func (s *Snapshot) Close() error {
	if s == nil || s.Path == "" {
		return nil
	}
	err := os.Remove(s.Path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// DetectShell inspects the operator's $SHELL to decide which family to
// snapshot. Returns KindUnknown for unrecognized or empty $SHELL.
func DetectShell() (Kind, string) {
	if runtime.GOOS == "windows" {
		return KindPowerShell, detectPowerShellExe()
	}
	shellPath := os.Getenv("SHELL")
	base := filepath.Base(shellPath)
	switch base {
	case "zsh", "bash":
		return KindPosix, shellPath
	default:
		return KindUnknown, shellPath
	}
}

// detectPowerShellExe prefers pwsh (PowerShell 7+) over the legacy
// Windows PowerShell, falling back to "powershell" if neither is on PATH.
func detectPowerShellExe() string {
	if path, err := exec.LookPath("pwsh"); err == nil {
		return path
	}
	if path, err := exec.LookPath("powershell"); err == nil {
		return path
	}
	return "powershell"
}

// EnsurePosixSnapshot returns a reusable snapshot for a posix-like shell,
// capturing a fresh one if none exists yet or the existing one is stale
// relative to the shell's rc files. home is the agent home directory;
// sessionID scopes the snapshot file name.
func EnsurePosixSnapshot(ctx context.Context, home, shellPath, sessionID string) (*Snapshot, error) {
	base := filepath.Base(shellPath)
	rcFiles, rcCommand := rcFilesFor(base)
	if rcCommand == "" {
		return nil, fmt.Errorf("shellsnapshot: unsupported shell %q", shellPath)
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	snapshotPath := filepath.Join(home, "shell_snapshots", fmt.Sprintf("snapshot_%s.zsh", sessionID))

	stale, err := isStale(snapshotPath, homeDir, rcFiles)
	if err != nil {
		return nil, err
	}
	if !stale {
		return &Snapshot{Path: snapshotPath, Kind: KindPosix}, nil
	}

	if err := regenerate(ctx, shellPath, filepath.Join(homeDir, rcCommand), snapshotPath); err != nil {
		return nil, err
	}
	return &Snapshot{Path: snapshotPath, Kind: KindPosix}, nil
}

// rcFilesFor returns the set of rc files to watch for staleness and the
// primary rc file to source, for the given shell basename.
func rcFilesFor(shellBase string) (watch []string, primary string) {
	switch shellBase {
	case "zsh":
		return posixRCFiles, ".zshrc"
	case "bash":
		return []string{".bashrc"}, ".bashrc"
	default:
		return nil, ""
	}
}

// isStale reports whether snapshotPath is missing or older than any of the
// watched rc files (each resolved relative to homeDir).
func isStale(snapshotPath, homeDir string, rcFiles []string) (bool, error) {
	info, err := os.Stat(snapshotPath)
	if os.IsNotExist(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	snapModTime := info.ModTime()

	for _, rc := range rcFiles {
		rcInfo, err := os.Stat(filepath.Join(homeDir, rc))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return false, err
		}
		if rcInfo.ModTime().After(snapModTime) {
			return true, nil
		}
	}
	return false, nil
}

// regenerate captures `export -p` plus aliases after sourcing rcPath, and
// writes the result atomically (temp + rename) with owner-only permissions.
func regenerate(ctx context.Context, shellPath, rcPath, snapshotPath string) error {
	captureScript := fmt.Sprintf(
		". %s; setopt posixbuiltins 2>/dev/null; export -p; { alias | sed 's/^/alias /'; } 2>/dev/null || true",
		shellQuote(rcPath),
	)

	cmd := exec.CommandContext(ctx, shellPath, "-c", captureScript)
	output, err := cmd.Output()
	if err != nil {
		return fmt.Errorf("shellsnapshot: capture failed: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(snapshotPath), 0o700); err != nil {
		return err
	}
	tmpPath := snapshotPath + ".tmp"
	if err := os.WriteFile(tmpPath, output, 0o600); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, snapshotPath)
}

// shellQuote wraps a path in single quotes, escaping any embedded quote.
// Good enough for rc file paths, which are not attacker-controlled.
func shellQuote(s string) string {
	escaped := ""
	for _, r := range s {
		if r == '\'' {
			escaped += `'\''`
		} else {
			escaped += string(r)
		}
	}
	return "'" + escaped + "'"
}

// BuildInvocation formats the argv used to run command through this
// snapshot (or the live rc file, if no snapshot exists/applies): posix
// shells run `shell -c '[ -f <snap> ] && . <snap>; (<cmd>)'` when the
// snapshot file is present, falling back to `shell -lc <cmd>` against the
// rc file directly.
func BuildInvocation(shellPath string, snapshot *Snapshot, rcPath, joinedCommand string) []string {
	if snapshot != nil {
		if _, err := os.Stat(snapshot.Path); err == nil {
			script := fmt.Sprintf("[ -f %s ] && . %s; (%s)", shellQuote(snapshot.Path), shellQuote(snapshot.Path), joinedCommand)
			return []string{shellPath, "-c", script}
		}
	}
	script := fmt.Sprintf("[ -f %s ] && . %s; (%s)", shellQuote(rcPath), shellQuote(rcPath), joinedCommand)
	return []string{shellPath, "-lc", script}
}

// snapshotAge is exposed for diagnostics/logging callers.
func snapshotAge(path string) (time.Duration, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return time.Since(info.ModTime()), nil
}
