package llm

import (
	"context"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = "claude-3-5-haiku-latest"

// anthropicMaxTokensFloor keeps MaxTokens legal when a request leaves it
// unset; the Messages API rejects zero.
const anthropicMaxTokensFloor = 1024

type anthropicProvider struct {
	client    sdk.Client
	modelName string
}

func newAnthropicProvider(apiKey, model string) *anthropicProvider {
	if model == "" {
		model = defaultAnthropicModel
	}
	return &anthropicProvider{
		client:    sdk.NewClient(option.WithAPIKey(apiKey)),
		modelName: model,
	}
}

func (p *anthropicProvider) name() string  { return ProviderAnthropic }
func (p *anthropicProvider) model() string { return p.modelName }

func (p *anthropicProvider) complete(ctx context.Context, req Request) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicMaxTokensFloor
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(p.modelName),
		MaxTokens: int64(maxTokens),
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(float64(req.Temperature))
	}

	var system []sdk.TextBlockParam
	var conversation []sdk.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, sdk.TextBlockParam{Text: m.Content})
		case RoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}
	if len(system) > 0 {
		params.System = system
	}
	params.Messages = conversation

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", &Error{Kind: KindMalformedResponse, Message: "empty completion"}
	}
	return sb.String(), nil
}

func (p *anthropicProvider) classify(err error) ErrorKind {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return statusToKind(apiErr.StatusCode)
	}
	return KindUnavailable
}
