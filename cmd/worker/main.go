// Worker executable for agentharness.
//
// This starts a Temporal worker that executes workflows and activities.
package main

import (
	"log"
	"os"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/relayforge/agentharness/internal/activities"
	"github.com/relayforge/agentharness/internal/llm"
	"github.com/relayforge/agentharness/internal/mcp"
	"github.com/relayforge/agentharness/internal/sandbox"
	"github.com/relayforge/agentharness/internal/tools"
	"github.com/relayforge/agentharness/internal/tools/handlers"
	"github.com/relayforge/agentharness/internal/workflow"
)

const (
	TaskQueue = "codex-temporal"
)

func main() {
	// Check for OpenAI API key
	if os.Getenv("OPENAI_API_KEY") == "" {
		log.Fatal("OPENAI_API_KEY environment variable is required")
	}

	// Create Temporal client
	c, err := client.Dial(client.Options{
		HostPort: client.DefaultHostPort, // localhost:7233
	})
	if err != nil {
		log.Fatalf("Failed to create Temporal client: %v", err)
	}
	defer c.Close()

	// Create worker
	w := worker.New(c, TaskQueue, worker.Options{})

	// Register workflows
	w.RegisterWorkflow(workflow.AgenticWorkflow)
	w.RegisterWorkflow(workflow.AgenticWorkflowContinued)
	w.RegisterWorkflow(workflow.HarnessWorkflow)
	w.RegisterWorkflow(workflow.HarnessWorkflowContinued)

	// Create tool registry with handlers. The shell handler gets the
	// platform-detected sandbox (seatbelt on darwin, bubblewrap on linux,
	// no-op elsewhere or when that tool is not installed) so shell commands
	// run under its restrictions instead of running unconfined.
	mcpStore := mcp.NewMcpStore()
	toolRegistry := tools.NewToolRegistry()
	sandboxMgr := sandbox.NewSandboxManager()
	log.Printf("Shell sandbox: %s", sandboxMgr.Name())
	toolRegistry.Register(handlers.NewShellToolWithSandbox(sandboxMgr))
	toolRegistry.Register(handlers.NewReadFileTool())
	toolRegistry.Register(handlers.NewWriteFileTool())
	toolRegistry.Register(handlers.NewListDirTool())
	toolRegistry.Register(handlers.NewGrepFilesTool())
	toolRegistry.Register(handlers.NewApplyPatchTool())
	toolRegistry.Register(handlers.NewMCPHandler(mcpStore))

	log.Printf("Registered %d tools", toolRegistry.ToolCount())

	// Create LLM client
	llmClient := llm.NewOpenAIClient()

	// Register activities
	llmActivities := activities.NewLLMActivities(llmClient)
	w.RegisterActivity(llmActivities.ExecuteLLMCall)

	toolActivities := activities.NewToolActivities(toolRegistry)
	w.RegisterActivity(toolActivities.ExecuteTool)

	instructionActivities := activities.NewInstructionActivities()
	w.RegisterActivity(instructionActivities.LoadWorkerInstructions)
	w.RegisterActivity(instructionActivities.LoadExecPolicy)
	w.RegisterActivity(instructionActivities.LoadPersonalInstructions)

	// Shares mcpStore with the MCPHandler above: InitializeMcpServers opens
	// the connections this activity registers here, and the handler looks
	// them up by session ID when a mcp__* tool call is dispatched.
	mcpActivities := activities.NewMcpActivities(mcpStore)
	w.RegisterActivity(mcpActivities.InitializeMcpServers)
	w.RegisterActivity(mcpActivities.CleanupMcpServers)

	persistenceActivities := activities.NewSessionPersistenceActivities()
	w.RegisterActivity(persistenceActivities.GetAuthToken)
	w.RegisterActivity(persistenceActivities.OpenRollout)
	w.RegisterActivity(persistenceActivities.RecordTurnItems)
	w.RegisterActivity(persistenceActivities.CloseRollout)
	w.RegisterActivity(persistenceActivities.EnsureShellSnapshot)
	w.RegisterActivity(persistenceActivities.DeleteShellSnapshot)
	w.RegisterActivity(persistenceActivities.CreateGhostCommit)
	w.RegisterActivity(persistenceActivities.RestoreGhostCommit)

	// Start worker
	log.Printf("Starting worker on task queue: %s", TaskQueue)
	log.Printf("Temporal server: %s", client.DefaultHostPort)

	err = w.Run(worker.InterruptCh())
	if err != nil {
		log.Fatalf("Failed to start worker: %v", err)
	}

	log.Println("Worker stopped")
}
