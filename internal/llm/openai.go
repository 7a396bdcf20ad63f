package llm

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/shared"
	"github.com/relayforge/agentharness/internal/models"
	"github.com/relayforge/agentharness/internal/tools"
)

// OpenAIClient implements LLMClient using OpenAI's Chat Completions API.
type OpenAIClient struct {
	client openai.Client
}

// NewOpenAIClient creates an OpenAI client.
func NewOpenAIClient() *OpenAIClient {
	apiKey := os.Getenv("OPENAI_API_KEY")
	client := openai.NewClient(option.WithAPIKey(apiKey))

	return &OpenAIClient{client: client}
}

// Call sends a request to OpenAI and returns the complete response.
// The response items match our ConversationItem format.
func (c *OpenAIClient) Call(ctx context.Context, request LLMRequest) (LLMResponse, error) {
	messages := c.buildMessages(request)

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(request.ModelConfig.Model),
		Messages: messages,
	}

	if request.ModelConfig.Temperature > 0 {
		params.Temperature = param.NewOpt(request.ModelConfig.Temperature)
	}
	if request.ModelConfig.MaxTokens > 0 {
		params.MaxTokens = param.NewOpt(int64(request.ModelConfig.MaxTokens))
	}

	if len(request.ToolSpecs) > 0 {
		params.Tools = c.buildToolDefinitions(request.ToolSpecs)
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return LLMResponse{}, classifyError(err)
	}

	if len(completion.Choices) == 0 {
		return LLMResponse{}, fmt.Errorf("no choices in response")
	}

	items, finishReason := parseCompletion(completion)

	return LLMResponse{
		Items:        items,
		FinishReason: finishReason,
		TokenUsage: models.TokenUsage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
			CachedTokens:     int(completion.Usage.PromptTokensDetails.CachedTokens),
		},
	}, nil
}

// buildMessages assembles the full message list for a Chat Completions
// request: a merged system message for base+user instructions, an optional
// developer message, then the converted conversation history.
func (c *OpenAIClient) buildMessages(request LLMRequest) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion

	var systemParts []string
	if request.BaseInstructions != "" {
		systemParts = append(systemParts, request.BaseInstructions)
	}
	if request.UserInstructions != "" {
		systemParts = append(systemParts, request.UserInstructions)
	}
	if len(systemParts) > 0 {
		messages = append(messages, openai.SystemMessage(strings.Join(systemParts, "\n\n")))
	}

	if request.DeveloperInstructions != "" {
		messages = append(messages, openai.DeveloperMessage(request.DeveloperInstructions))
	}

	messages = append(messages, c.convertHistoryToMessages(request.History)...)
	return messages
}

// convertHistoryToMessages converts our ConversationItem format to OpenAI
// chat messages.
//
// OpenAI requires that tool result messages are preceded by an assistant
// message carrying the matching tool_calls, so consecutive FunctionCall
// items (whether or not preceded by an AssistantMessage with text) are
// grouped into one assistant message.
func (c *OpenAIClient) convertHistoryToMessages(history []models.ConversationItem) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history))

	i := 0
	for i < len(history) {
		item := history[i]

		switch item.Type {
		case models.ItemTypeUserMessage:
			messages = append(messages, openai.UserMessage(item.Content))
			i++

		case models.ItemTypeAssistantMessage:
			j := i + 1
			toolCalls := collectToolCalls(history, &j)

			if len(toolCalls) > 0 {
				assistantMsg := &openai.ChatCompletionAssistantMessageParam{ToolCalls: toolCalls}
				if item.Content != "" {
					assistantMsg.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
						OfString: param.NewOpt(item.Content),
					}
				}
				messages = append(messages, openai.ChatCompletionMessageParamUnion{OfAssistant: assistantMsg})
			} else {
				messages = append(messages, openai.AssistantMessage(item.Content))
			}
			i = j

		case models.ItemTypeFunctionCall:
			// Orphaned function call(s) with no preceding assistant text.
			j := i
			toolCalls := collectToolCalls(history, &j)
			if len(toolCalls) > 0 {
				messages = append(messages, openai.ChatCompletionMessageParamUnion{
					OfAssistant: &openai.ChatCompletionAssistantMessageParam{ToolCalls: toolCalls},
				})
			}
			i = j

		case models.ItemTypeFunctionCallOutput:
			content := ""
			if item.Output != nil {
				content = item.Output.Content
			}
			messages = append(messages, openai.ToolMessage(content, item.CallID))
			i++

		default:
			// Skip turn/model markers; they carry no wire content.
			i++
		}
	}

	return messages
}

// collectToolCalls gathers the run of consecutive FunctionCall items
// starting at *i, advancing *i past them.
func collectToolCalls(history []models.ConversationItem, i *int) []openai.ChatCompletionMessageToolCallParam {
	var toolCalls []openai.ChatCompletionMessageToolCallParam
	for *i < len(history) && history[*i].Type == models.ItemTypeFunctionCall {
		fc := history[*i]
		toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
			ID: fc.CallID,
			Function: openai.ChatCompletionMessageToolCallFunctionParam{
				Name:      fc.Name,
				Arguments: fc.Arguments,
			},
		})
		*i = *i + 1
	}
	return toolCalls
}

// buildToolDefinitions converts ToolSpecs to OpenAI tool definitions.
func (c *OpenAIClient) buildToolDefinitions(specs []tools.ToolSpec) []openai.ChatCompletionToolParam {
	toolDefs := make([]openai.ChatCompletionToolParam, 0, len(specs))

	for _, spec := range specs {
		properties := make(map[string]interface{})
		required := make([]string, 0)

		for _, p := range spec.Parameters {
			prop := map[string]interface{}{
				"type":        p.Type,
				"description": p.Description,
			}
			if p.Items != nil {
				prop["items"] = p.Items
			}
			properties[p.Name] = prop
			if p.Required {
				required = append(required, p.Name)
			}
		}

		funcDef := shared.FunctionDefinitionParam{
			Name:        spec.Name,
			Description: param.NewOpt(spec.Description),
			Parameters: shared.FunctionParameters{
				"type":       "object",
				"properties": properties,
				"required":   required,
			},
		}

		toolDefs = append(toolDefs, openai.ChatCompletionToolParam{Function: funcDef})
	}

	return toolDefs
}

// parseCompletion converts OpenAI's chat completion response to our
// ConversationItem format.
func parseCompletion(completion *openai.ChatCompletion) ([]models.ConversationItem, models.FinishReason) {
	choice := completion.Choices[0]
	items := make([]models.ConversationItem, 0, 1+len(choice.Message.ToolCalls))
	finishReason := models.FinishReasonStop

	if choice.Message.Content != "" {
		items = append(items, models.ConversationItem{
			Type:    models.ItemTypeAssistantMessage,
			Content: choice.Message.Content,
		})
	}

	if len(choice.Message.ToolCalls) > 0 {
		finishReason = models.FinishReasonToolCalls
		for _, tc := range choice.Message.ToolCalls {
			items = append(items, models.ConversationItem{
				Type:      models.ItemTypeFunctionCall,
				CallID:    tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
	}

	if len(items) == 0 {
		items = append(items, models.ConversationItem{Type: models.ItemTypeAssistantMessage})
	}

	switch choice.FinishReason {
	case "length":
		finishReason = models.FinishReasonLength
	case "content_filter":
		finishReason = models.FinishReasonContentFilter
	case "tool_calls":
		finishReason = models.FinishReasonToolCalls
	}

	return items, finishReason
}

// classifyError categorizes an OpenAI API error using the HTTP status code
// when available, falling back to message-based heuristics.
func classifyError(err error) error {
	errMsg := strings.ToLower(err.Error())

	if strings.Contains(errMsg, "context_length") || strings.Contains(errMsg, "maximum context length") {
		return models.NewContextOverflowError(err.Error())
	}

	if apiErr, ok := err.(*openai.Error); ok {
		return classifyByStatusCode(apiErr.StatusCode, err)
	}

	if strings.Contains(errMsg, "rate_limit") || strings.Contains(errMsg, "rate limit") {
		return models.NewAPILimitError(err.Error())
	}
	return models.NewTransientError(fmt.Sprintf("OpenAI API error: %v", err))
}
