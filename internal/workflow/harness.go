// Package workflow contains Temporal workflow definitions.
//
// harness.go implements HarnessWorkflow — a long-lived orchestrator that
// owns multiple agentic sessions (child AgenticWorkflow runs) on behalf of
// a single user identity. One harness maps to one working directory; every
// tcx invocation against that directory attaches to the same harness and
// gets its own child session.
package workflow

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/relayforge/agentharness/internal/activities"
	"github.com/relayforge/agentharness/internal/instructions"
	"github.com/relayforge/agentharness/internal/models"
)

// Handler name constants for HarnessWorkflow.
const (
	// QueryGetSessions returns the list of active/completed sessions.
	QueryGetSessions = "get_sessions"

	// UpdateStartSession starts a new agentic session as a child workflow.
	UpdateStartSession = "start_session"
)

// defaultMaxConcurrentSessions bounds how many child AgenticWorkflow runs a
// single harness will keep in AgentStatusRunning at once. Zero in
// CLIOverrides means "use this default", not "unbounded" — an unbounded
// harness can wedge a worker's task queue if a caller loops start_session.
const defaultMaxConcurrentSessions = 8

// CLIOverrides carries CLI-level arguments that override file-based config.
// Only primitive override values — no file content.
type CLIOverrides struct {
	// Cwd is the working directory for tool execution.
	Cwd string `json:"cwd,omitempty"`

	// AgentHome overrides the default ~/.agentharness directory.
	AgentHome string `json:"agent_home,omitempty"`

	// Model overrides the model name.
	Model string `json:"model,omitempty"`

	// Provider overrides the model provider.
	Provider string `json:"provider,omitempty"`

	// ApprovalMode overrides the approval policy.
	ApprovalMode models.ApprovalMode `json:"approval_mode,omitempty"`

	// SessionTaskQueue overrides the task queue for session activities.
	SessionTaskQueue string `json:"session_task_queue,omitempty"`

	// SandboxMode overrides the sandbox mode ("full-access", "read-only", "workspace-write").
	SandboxMode string `json:"sandbox_mode,omitempty"`

	// SandboxWritableRoots overrides the writable roots for workspace-write mode.
	SandboxWritableRoots []string `json:"sandbox_writable_roots,omitempty"`

	// SandboxNetworkAccess overrides whether network is allowed in the sandbox.
	SandboxNetworkAccess bool `json:"sandbox_network_access,omitempty"`

	// DisableSuggestions disables prompt suggestions after turn completion.
	DisableSuggestions bool `json:"disable_suggestions,omitempty"`

	// MaxConcurrentSessions caps how many sessions this harness will run at
	// once. Zero means defaultMaxConcurrentSessions.
	MaxConcurrentSessions int `json:"max_concurrent_sessions,omitempty"`
}

// HarnessWorkflowInput is the initial input for HarnessWorkflow.
type HarnessWorkflowInput struct {
	// HarnessID is a stable identifier for this harness instance.
	// Used as a prefix for child workflow IDs.
	HarnessID string `json:"harness_id"`

	// Overrides contains CLI-level config overrides.
	Overrides CLIOverrides `json:"overrides,omitempty"`
}

// StartSessionRequest is the payload for the UpdateStartSession update.
type StartSessionRequest struct {
	// UserMessage is the initial message for the new session. Required.
	UserMessage string `json:"user_message"`

	// OverrideConfig applies per-session CLI overrides on top of the
	// harness-resolved base config. Optional.
	OverrideConfig *CLIOverrides `json:"override_config,omitempty"`
}

// StartSessionResponse is returned by the UpdateStartSession update.
type StartSessionResponse struct {
	// SessionID is a short stable ID for the session (e.g. "sess-00000001").
	SessionID string `json:"session_id"`

	// SessionWorkflowID is the Temporal workflow ID of the child workflow.
	SessionWorkflowID string `json:"session_workflow_id"`
}

// SessionEntry tracks a single child session spawned by HarnessWorkflow.
type SessionEntry struct {
	// SessionID is the harness-assigned short identifier.
	SessionID string `json:"session_id"`

	// WorkflowID is the Temporal workflow ID of the child AgenticWorkflow.
	WorkflowID string `json:"workflow_id"`

	// UserMessage is the initial message that started the session.
	UserMessage string `json:"user_message"`

	// Status is the current lifecycle status of the child workflow.
	Status AgentStatus `json:"status"`

	// StartedAt is the time the session was started (workflow time).
	StartedAt time.Time `json:"started_at"`
}

// HarnessWorkflowState is passed through ContinueAsNew.
type HarnessWorkflowState struct {
	// HarnessID is preserved across ContinueAsNew.
	HarnessID string `json:"harness_id"`

	// Overrides are preserved across ContinueAsNew.
	Overrides CLIOverrides `json:"overrides,omitempty"`

	// Sessions is the list of all sessions (active and completed).
	Sessions []SessionEntry `json:"sessions,omitempty"`

	// SessionCounter is incremented for each new session to generate unique IDs.
	SessionCounter uint64 `json:"session_counter"`
}

// runningCount returns how many sessions are still in AgentStatusRunning.
func (s *HarnessWorkflowState) runningCount() int {
	n := 0
	for _, entry := range s.Sessions {
		if entry.Status == AgentStatusRunning {
			n++
		}
	}
	return n
}

// findSession returns a pointer to the session entry with the given ID, or
// nil if no such session exists.
func (s *HarnessWorkflowState) findSession(sessionID string) *SessionEntry {
	for i := range s.Sessions {
		if s.Sessions[i].SessionID == sessionID {
			return &s.Sessions[i]
		}
	}
	return nil
}

// nextSessionID mints a time+counter composite ID, meaningful on its own in
// a session picker list without needing to cross-reference the counter.
func (s *HarnessWorkflowState) nextSessionID(now time.Time) string {
	s.SessionCounter++
	return fmt.Sprintf("sess-%s-%d", now.UTC().Format("20060102-150405"), s.SessionCounter)
}

// HarnessWorkflow is the long-lived harness orchestrator entry point.
func HarnessWorkflow(ctx workflow.Context, input HarnessWorkflowInput) error {
	state := HarnessWorkflowState{
		HarnessID: input.HarnessID,
		Overrides: input.Overrides,
	}
	return runHarnessLoop(ctx, &state)
}

// HarnessWorkflowContinued is the ContinueAsNew re-entry point.
func HarnessWorkflowContinued(ctx workflow.Context, state HarnessWorkflowState) error {
	return runHarnessLoop(ctx, &state)
}

// harnessServer bundles the mutable state and resolved base config that the
// query/update handlers close over, so runHarnessLoop reads as registration
// followed by a wait loop instead of a wall of inline closures.
type harnessServer struct {
	state     *HarnessWorkflowState
	baseCfg   models.SessionConfiguration
	maxActive int
}

// runHarnessLoop is the core harness event loop shared by both entry points.
// It resolves config, registers handlers, and loops until idle timeout
// triggers ContinueAsNew.
func runHarnessLoop(ctx workflow.Context, state *HarnessWorkflowState) error {
	logger := workflow.GetLogger(ctx)

	cfg, err := resolveHarnessConfig(ctx, state.Overrides)
	if err != nil {
		logger.Warn("failed to resolve harness config, using defaults", "error", err)
		cfg = models.DefaultSessionConfiguration()
	}

	maxActive := state.Overrides.MaxConcurrentSessions
	if maxActive <= 0 {
		maxActive = defaultMaxConcurrentSessions
	}
	srv := &harnessServer{state: state, baseCfg: cfg, maxActive: maxActive}

	if err := srv.registerHandlers(ctx); err != nil {
		return err
	}

	return srv.waitUntilIdle(ctx)
}

// registerHandlers wires the get_sessions query and start_session update.
func (srv *harnessServer) registerHandlers(ctx workflow.Context) error {
	if err := workflow.SetQueryHandler(ctx, QueryGetSessions, srv.listSessions); err != nil {
		return fmt.Errorf("failed to register %s query: %w", QueryGetSessions, err)
	}

	if err := workflow.SetUpdateHandlerWithOptions(
		ctx,
		UpdateStartSession,
		srv.handleStartSession,
		workflow.UpdateHandlerOptions{Validator: validateStartSessionRequest},
	); err != nil {
		return fmt.Errorf("failed to register %s update: %w", UpdateStartSession, err)
	}

	return nil
}

func (srv *harnessServer) listSessions() ([]SessionEntry, error) {
	if srv.state.Sessions == nil {
		return []SessionEntry{}, nil
	}
	return srv.state.Sessions, nil
}

func validateStartSessionRequest(_ workflow.Context, req StartSessionRequest) error {
	if req.UserMessage == "" {
		return temporal.NewApplicationError("user_message must not be empty", "InvalidRequest")
	}
	return nil
}

// waitUntilIdle blocks until IdleTimeout elapses with no update/query
// activity, drains any in-flight handlers, and then continues-as-new so the
// workflow's event history never grows unbounded.
func (srv *harnessServer) waitUntilIdle(ctx workflow.Context) error {
	logger := workflow.GetLogger(ctx)

	for {
		satisfied, err := workflow.AwaitWithTimeout(ctx, IdleTimeout, noWakeCondition)
		if err != nil {
			return fmt.Errorf("harness await failed: %w", err)
		}
		if satisfied {
			// noWakeCondition never returns true; nothing to do but keep waiting.
			continue
		}

		logger.Info("harness idle timeout reached, continuing as new", "sessions", len(srv.state.Sessions))
		_ = workflow.Await(ctx, func() bool { return workflow.AllHandlersFinished(ctx) })
		return workflow.NewContinueAsNewError(ctx, HarnessWorkflowContinued, *srv.state)
	}
}

// noWakeCondition never becomes true; AwaitWithTimeout falls back to
// reporting the timeout having elapsed, which is the harness's only
// wake-up signal in this loop (updates/queries run independently of Await).
func noWakeCondition() bool { return false }

// warner is the subset of log.Logger that loadInstructionSource needs.
type warner interface {
	Warn(string, ...interface{})
}

// loadInstructionSource executes one file-based harness config activity and
// logs (without failing the workflow) if it errors, so resolveHarnessConfig
// can treat all three instruction sources uniformly instead of repeating the
// same execute-and-log-on-failure shape three times.
func loadInstructionSource(ctx, actCtx workflow.Context, logger warner, activityName string, input, output interface{}, label string) {
	if err := workflow.ExecuteActivity(actCtx, activityName, input).Get(ctx, output); err != nil {
		logger.Warn("failed to load "+label, "error", err)
	}
}

// resolveHarnessConfig loads all file-based configuration via activities and
// assembles a SessionConfiguration to use as the base for new sessions.
func resolveHarnessConfig(ctx workflow.Context, overrides CLIOverrides) (models.SessionConfiguration, error) {
	logger := workflow.GetLogger(ctx)

	actOpts := workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 2},
	}
	if overrides.SessionTaskQueue != "" {
		actOpts.TaskQueue = overrides.SessionTaskQueue
	}
	actCtx := workflow.WithActivityOptions(ctx, actOpts)

	var workerResult activities.LoadWorkerInstructionsOutput
	loadInstructionSource(ctx, actCtx, logger, "LoadWorkerInstructions",
		activities.LoadWorkerInstructionsInput{Cwd: overrides.Cwd}, &workerResult, "worker instructions")

	var execResult activities.LoadExecPolicyOutput
	if overrides.AgentHome != "" {
		loadInstructionSource(ctx, actCtx, logger, "LoadExecPolicy",
			activities.LoadExecPolicyInput{AgentHome: overrides.AgentHome}, &execResult, "exec policy")
	}

	var personalResult activities.LoadPersonalInstructionsOutput
	loadInstructionSource(ctx, actCtx, logger, "LoadPersonalInstructions",
		activities.LoadPersonalInstructionsInput{AgentHome: overrides.AgentHome}, &personalResult, "personal instructions")

	merged := instructions.MergeInstructions(instructions.MergeInput{
		WorkerProjectDocs:        workerResult.ProjectDocs,
		UserPersonalInstructions: personalResult.Instructions,
		ApprovalMode:             string(overrides.ApprovalMode),
		Cwd:                      overrides.Cwd,
	})

	cfg := models.DefaultSessionConfiguration()
	cfg.BaseInstructions = merged.Base
	cfg.DeveloperInstructions = merged.Developer
	cfg.UserInstructions = merged.User
	cfg.ExecPolicyRules = execResult.RulesSource
	cfg.Cwd = overrides.Cwd
	cfg.AgentHome = overrides.AgentHome
	cfg.SessionTaskQueue = overrides.SessionTaskQueue

	if overrides.ApprovalMode != "" {
		cfg.ApprovalMode = overrides.ApprovalMode
	}
	if overrides.Provider != "" {
		cfg.Model.Provider = overrides.Provider
	}
	if overrides.Model != "" {
		cfg.Model.Model = overrides.Model
	}

	return cfg, nil
}

// handleStartSession starts a new AgenticWorkflow child and records the
// session. Rejects the request outright once maxActive running sessions are
// already in flight rather than silently queuing unbounded child workflows.
func (srv *harnessServer) handleStartSession(ctx workflow.Context, req StartSessionRequest) (StartSessionResponse, error) {
	if running := srv.state.runningCount(); running >= srv.maxActive {
		return StartSessionResponse{}, temporal.NewApplicationError(
			fmt.Sprintf("harness already has %d running sessions (limit %d)", running, srv.maxActive),
			"TooManySessions",
		)
	}

	sessionID := srv.state.nextSessionID(workflow.Now(ctx))
	childWfID := srv.state.HarnessID + "/" + sessionID

	sessionCfg := srv.baseCfg
	applyOverrides(&sessionCfg, req.OverrideConfig)

	childInput := WorkflowInput{
		ConversationID: childWfID,
		UserMessage:    req.UserMessage,
		Config:         sessionCfg,
	}
	childCtx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{WorkflowID: childWfID})
	future := workflow.ExecuteChildWorkflow(childCtx, "AgenticWorkflow", childInput)

	var exec workflow.Execution
	if err := future.GetChildWorkflowExecution().Get(ctx, &exec); err != nil {
		return StartSessionResponse{}, fmt.Errorf("failed to start child workflow %s: %w", childWfID, err)
	}

	srv.state.Sessions = append(srv.state.Sessions, SessionEntry{
		SessionID:   sessionID,
		WorkflowID:  exec.ID,
		UserMessage: req.UserMessage,
		Status:      AgentStatusRunning,
		StartedAt:   workflow.Now(ctx),
	})

	srv.watchSessionCompletion(ctx, future, sessionID)

	return StartSessionResponse{SessionID: sessionID, SessionWorkflowID: exec.ID}, nil
}

// watchSessionCompletion spawns a coroutine that updates the session's
// status once its child workflow settles, without blocking the update
// handler on the child's full lifetime.
func (srv *harnessServer) watchSessionCompletion(ctx workflow.Context, future workflow.ChildWorkflowFuture, sessionID string) {
	workflow.Go(ctx, func(gctx workflow.Context) {
		var result WorkflowResult
		status := AgentStatusCompleted
		if err := future.Get(gctx, &result); err != nil {
			status = AgentStatusErrored
		}
		if entry := srv.state.findSession(sessionID); entry != nil {
			entry.Status = status
		}
	})
}

// applyOverrides copies non-zero fields from o into cfg. A nil o is a no-op.
func applyOverrides(cfg *models.SessionConfiguration, o *CLIOverrides) {
	if o == nil {
		return
	}
	if o.Cwd != "" {
		cfg.Cwd = o.Cwd
	}
	if o.AgentHome != "" {
		cfg.AgentHome = o.AgentHome
	}
	if o.Model != "" {
		cfg.Model.Model = o.Model
	}
	if o.Provider != "" {
		cfg.Model.Provider = o.Provider
	}
	if o.ApprovalMode != "" {
		cfg.ApprovalMode = o.ApprovalMode
	}
	if o.SessionTaskQueue != "" {
		cfg.SessionTaskQueue = o.SessionTaskQueue
	}
	if o.SandboxMode != "" {
		cfg.SandboxMode = o.SandboxMode
	}
	if len(o.SandboxWritableRoots) > 0 {
		cfg.SandboxWritableRoots = o.SandboxWritableRoots
	}
	if o.SandboxNetworkAccess {
		cfg.SandboxNetworkAccess = o.SandboxNetworkAccess
	}
	if o.DisableSuggestions {
		cfg.DisableSuggestions = o.DisableSuggestions
	}
}
