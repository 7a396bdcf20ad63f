package activities

import (
	"context"
	"errors"
	"fmt"

	"github.com/relayforge/agentharness/internal/auth"
	"github.com/relayforge/agentharness/internal/ghostcommit"
	"github.com/relayforge/agentharness/internal/models"
	"github.com/relayforge/agentharness/internal/rollout"
	"github.com/relayforge/agentharness/internal/shellsnapshot"
)

// SessionPersistenceActivities groups the filesystem-backed side effects
// of a session that must run on the worker holding the session's home
// directory and working tree: credential access, rollout journaling,
// shell profile capture, and git snapshotting. Every activity here runs
// pinned to the session task queue, the same way ExecuteTool does.
type SessionPersistenceActivities struct {
	authStore *authStore
	rollStore *rolloutStore
}

// NewSessionPersistenceActivities creates a new SessionPersistenceActivities instance.
func NewSessionPersistenceActivities() *SessionPersistenceActivities {
	return &SessionPersistenceActivities{
		authStore: newAuthStore(),
		rollStore: newRolloutStore(),
	}
}

// --- auth ---

// GetAuthTokenInput is the input for the GetAuthToken activity.
type GetAuthTokenInput struct {
	AgentHome string `json:"agent_home"`
}

// GetAuthTokenOutput is the output from the GetAuthToken activity.
type GetAuthTokenOutput struct {
	Token     string `json:"token"`
	Mode      string `json:"mode"`
	Available bool   `json:"available"`
}

// GetAuthToken returns the bearer credential the LLM activity should use
// for this call, refreshing an expiring ChatGPT token first if needed.
func (a *SessionPersistenceActivities) GetAuthToken(ctx context.Context, input GetAuthTokenInput) (GetAuthTokenOutput, error) {
	mgr, err := a.authStore.get(input.AgentHome)
	if err != nil {
		return GetAuthTokenOutput{}, err
	}
	token, err := mgr.GetToken(ctx)
	if err != nil {
		if err == auth.ErrTokenUnavailable {
			return GetAuthTokenOutput{Available: false}, nil
		}
		return GetAuthTokenOutput{}, err
	}
	snap, _ := mgr.Auth()
	return GetAuthTokenOutput{Token: token, Mode: string(snap.Mode), Available: true}, nil
}

// --- rollout recorder ---

// OpenRolloutInput is the input for the OpenRollout activity.
type OpenRolloutInput struct {
	AgentHome  string `json:"agent_home"`
	Cwd        string `json:"cwd"`
	Originator string `json:"originator"`
	CLIVersion string `json:"cli_version"`
	// ResumePath, if set, reopens an existing rollout file instead of
	// starting a new one.
	ResumePath string `json:"resume_path,omitempty"`
}

// OpenRolloutOutput is the output from the OpenRollout activity.
type OpenRolloutOutput struct {
	SessionID    string                    `json:"session_id"`
	Path         string                    `json:"path"`
	ResumedItems []models.ConversationItem `json:"resumed_items,omitempty"`
}

// OpenRollout starts (or resumes) a rollout recording for a session.
func (a *SessionPersistenceActivities) OpenRollout(_ context.Context, input OpenRolloutInput) (OpenRolloutOutput, error) {
	if input.ResumePath != "" {
		r, meta, items, err := rollout.Resume(rollout.ResumeOptions{Path: input.ResumePath})
		if err != nil {
			return OpenRolloutOutput{}, fmt.Errorf("resume rollout: %w", err)
		}
		a.rollStore.put(meta.ID, r)
		return OpenRolloutOutput{SessionID: meta.ID, Path: r.Path(), ResumedItems: items}, nil
	}

	r, err := rollout.NewRecorder(rollout.NewOptions{
		Home:       input.AgentHome,
		Cwd:        input.Cwd,
		Originator: input.Originator,
		CLIVersion: input.CLIVersion,
	})
	if err != nil {
		return OpenRolloutOutput{}, fmt.Errorf("open rollout: %w", err)
	}
	a.rollStore.put(r.SessionID(), r)
	return OpenRolloutOutput{SessionID: r.SessionID(), Path: r.Path()}, nil
}

// RecordTurnItemsInput is the input for the RecordTurnItems activity.
type RecordTurnItemsInput struct {
	SessionID string                    `json:"session_id"`
	Items     []models.ConversationItem `json:"items"`
}

// RecordTurnItems appends a turn's new conversation items to the rollout.
func (a *SessionPersistenceActivities) RecordTurnItems(_ context.Context, input RecordTurnItemsInput) error {
	r, ok := a.rollStore.get(input.SessionID)
	if !ok {
		return fmt.Errorf("rollout: unknown session %q", input.SessionID)
	}
	return r.RecordItems(input.Items)
}

// CloseRolloutInput is the input for the CloseRollout activity.
type CloseRolloutInput struct {
	SessionID string `json:"session_id"`
}

// CloseRollout flushes and releases the rollout recorder for a completed session.
func (a *SessionPersistenceActivities) CloseRollout(_ context.Context, input CloseRolloutInput) error {
	r, ok := a.rollStore.get(input.SessionID)
	if !ok {
		return nil
	}
	a.rollStore.remove(input.SessionID)
	return r.Shutdown()
}

// --- shell profile snapshot ---

// EnsureShellSnapshotInput is the input for the EnsureShellSnapshot activity.
type EnsureShellSnapshotInput struct {
	AgentHome string `json:"agent_home"`
	SessionID string `json:"session_id"`
}

// EnsureShellSnapshotOutput is the output from the EnsureShellSnapshot activity.
type EnsureShellSnapshotOutput struct {
	Path      string `json:"path,omitempty"`
	Available bool   `json:"available"`
}

// EnsureShellSnapshot captures (or reuses) the posix shell profile snapshot
// for a session. Non-posix or undetectable shells return Available=false
// so the caller falls back to invoking commands without a snapshot.
func (a *SessionPersistenceActivities) EnsureShellSnapshot(ctx context.Context, input EnsureShellSnapshotInput) (EnsureShellSnapshotOutput, error) {
	kind, shellPath := shellsnapshot.DetectShell()
	if kind != shellsnapshot.KindPosix {
		return EnsureShellSnapshotOutput{Available: false}, nil
	}
	snap, err := shellsnapshot.EnsurePosixSnapshot(ctx, input.AgentHome, shellPath, input.SessionID)
	if err != nil {
		return EnsureShellSnapshotOutput{Available: false}, nil
	}
	return EnsureShellSnapshotOutput{Path: snap.Path, Available: true}, nil
}

// DeleteShellSnapshotInput is the input for the DeleteShellSnapshot activity.
type DeleteShellSnapshotInput struct {
	Path string `json:"path"`
}

// DeleteShellSnapshot removes a session's shell snapshot file when the session ends.
func (a *SessionPersistenceActivities) DeleteShellSnapshot(_ context.Context, input DeleteShellSnapshotInput) error {
	if input.Path == "" {
		return nil
	}
	snap := &shellsnapshot.Snapshot{Path: input.Path}
	return snap.Close()
}

// --- ghost commit snapshot ---

// CreateGhostCommitInput is the input for the CreateGhostCommit activity.
type CreateGhostCommitInput struct {
	RepoPath     string   `json:"repo_path"`
	Message      string   `json:"message,omitempty"`
	ForceInclude []string `json:"force_include,omitempty"`
}

// CreateGhostCommitOutput is the output from the CreateGhostCommit activity.
type CreateGhostCommitOutput struct {
	CommitID string `json:"commit_id"`
	Parent   string `json:"parent,omitempty"`
	Created  bool   `json:"created"`
}

// CreateGhostCommit snapshots the working tree before a risky edit.
// Created is false (with no error) when repoPath is not a git repository,
// since ghost commits are a best-effort undo mechanism, not a hard
// requirement of tool execution.
func (a *SessionPersistenceActivities) CreateGhostCommit(ctx context.Context, input CreateGhostCommitInput) (CreateGhostCommitOutput, error) {
	commit, err := ghostcommit.Create(ctx, ghostcommit.CreateOptions{
		RepoPath:     input.RepoPath,
		Message:      input.Message,
		ForceInclude: input.ForceInclude,
	})
	if err != nil {
		if errors.Is(err, ghostcommit.ErrNotAGitRepository) {
			return CreateGhostCommitOutput{Created: false}, nil
		}
		return CreateGhostCommitOutput{}, err
	}
	return CreateGhostCommitOutput{CommitID: commit.ID, Parent: commit.Parent, Created: true}, nil
}

// RestoreGhostCommitInput is the input for the RestoreGhostCommit activity.
type RestoreGhostCommitInput struct {
	RepoPath string `json:"repo_path"`
	CommitID string `json:"commit_id"`
}

// RestoreGhostCommit resets a working tree back to a prior ghost commit,
// used when the agent (or operator) rejects the outcome of a turn.
func (a *SessionPersistenceActivities) RestoreGhostCommit(ctx context.Context, input RestoreGhostCommitInput) error {
	return ghostcommit.RestoreID(ctx, input.RepoPath, input.CommitID)
}
