// Package workflow contains Temporal workflow definitions.
//
// approval_gate.go wraps the approval-classification and decision-application
// free functions (see agentic.go) behind a small stateful type so turn.go's
// single-turn loop can carry one approval configuration across iterations
// without re-threading mode/policy arguments through every call.
package workflow

import "github.com/relayforge/agentharness/internal/models"

// ApprovalGate classifies tool calls against the session's approval mode and
// exec policy, and applies the user's resulting approve/deny decision.
type ApprovalGate struct {
	mode        models.ApprovalMode
	policyRules string
}

// NewApprovalGate builds a gate for the given approval mode and serialized
// exec policy rules (may be empty, in which case heuristic classification
// is used).
func NewApprovalGate(mode models.ApprovalMode, policyRules string) *ApprovalGate {
	return &ApprovalGate{mode: mode, policyRules: policyRules}
}

// Classify splits functionCalls into those needing user approval and those
// forbidden outright by policy. Calls in neither list are auto-approved.
func (g *ApprovalGate) Classify(functionCalls []models.ConversationItem) (pending []PendingApproval, forbidden []models.ConversationItem) {
	return classifyToolsForApproval(functionCalls, g.mode, g.policyRules)
}

// ApplyDecision filters functionCalls against the user's approval response,
// returning the approved subset and synthetic denied-output items for the
// rest.
func (g *ApprovalGate) ApplyDecision(functionCalls []models.ConversationItem, resp *ApprovalResponse) (approved, denied []models.ConversationItem) {
	return applyApprovalDecision(functionCalls, resp)
}
