package capability

import (
	"context"
	"encoding/json"
	"fmt"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"
)

// OpenAIExtractor implements IntentExtractor using a chat completion
// that offers a single extraction tool, whose arguments are decoded
// into ExtractedIntent. The tool call is not forced: a reply with no
// tool call yields an empty ExtractedIntent and a nil error.
type OpenAIExtractor struct {
	client oai.Client
	model  string
}

// NewOpenAIExtractor constructs an extractor using the given model
// (e.g. "gpt-4o-mini").
func NewOpenAIExtractor(apiKey, model string) (*OpenAIExtractor, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("capability: openai apiKey must not be empty")
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	client := oai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIExtractor{client: client, model: model}, nil
}

var extractIntentTool = oai.ChatCompletionToolParam{
	Function: shared.FunctionDefinitionParam{
		Name:        "extract_intercom_intent",
		Description: param.NewOpt("Extract the visitor's stated intent from a doorbell intercom transcript."),
		Parameters: shared.FunctionParameters{
			"type": "object",
			"properties": map[string]any{
				"intentType":   map[string]any{"type": "string", "description": "one of: delivery, visitor, maintenance, unknown"},
				"visitorName":  map[string]any{"type": "string"},
				"apartment":    map[string]any{"type": "string"},
				"residentName": map[string]any{"type": "string"},
			},
		},
	},
}

// Extract implements IntentExtractor.
func (e *OpenAIExtractor) Extract(ctx context.Context, transcript string) (ExtractedIntent, error) {
	params := oai.ChatCompletionNewParams{
		Model: shared.ChatModel(e.model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage("Extract structured intake fields from a single utterance spoken at a building's front door intercom. Call the tool with whatever fields are present; leave others empty."),
			oai.UserMessage(transcript),
		},
		Tools: []oai.ChatCompletionToolParam{extractIntentTool},
	}

	resp, err := e.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return ExtractedIntent{}, fmt.Errorf("capability: intent extraction completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return ExtractedIntent{}, fmt.Errorf("capability: intent extraction returned no choices")
	}

	calls := resp.Choices[0].Message.ToolCalls
	if len(calls) == 0 {
		return ExtractedIntent{}, nil
	}

	var fields struct {
		IntentType   string `json:"intentType"`
		VisitorName  string `json:"visitorName"`
		Apartment    string `json:"apartment"`
		ResidentName string `json:"residentName"`
	}
	if err := json.Unmarshal([]byte(calls[0].Function.Arguments), &fields); err != nil {
		return ExtractedIntent{}, fmt.Errorf("capability: parse tool call arguments: %w", err)
	}

	return ExtractedIntent{
		IntentType:   fields.IntentType,
		VisitorName:  fields.VisitorName,
		Apartment:    fields.Apartment,
		ResidentName: fields.ResidentName,
	}, nil
}

var _ IntentExtractor = (*OpenAIExtractor)(nil)
