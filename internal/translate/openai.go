package translate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"farmadvisor/internal/domain"
)

// Config configures the chat-completions translator.
type Config struct {
	BaseURL   string
	APIKeyEnv string
	Model     string
	Timeout   time.Duration
}

// OpenAI translates through an OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	client *openai.Client
	model  string
}

// NewOpenAI creates the translator. The API key is read from cfg.APIKeyEnv.
func NewOpenAI(cfg Config) (*OpenAI, error) {
	if cfg.APIKeyEnv == "" {
		cfg.APIKeyEnv = "OPENAI_API_KEY"
	}
	key := os.Getenv(cfg.APIKeyEnv)
	if key == "" {
		return nil, fmt.Errorf("missing API key in env %s", cfg.APIKeyEnv)
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 20 * time.Second
	}
	oc := openai.DefaultConfig(key)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	return &OpenAI{client: openai.NewClientWithConfig(oc), model: cfg.Model}, nil
}

func (o *OpenAI) Translate(ctx context.Context, text, from, to string) (string, error) {
	src, ok := Languages[Normalize(from)]
	if !ok {
		return "", fmt.Errorf("unsupported language %q", from)
	}
	dst, ok := Languages[Normalize(to)]
	if !ok {
		return "", fmt.Errorf("unsupported language %q", to)
	}
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.model,
		Temperature: 0,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleSystem,
				Content: fmt.Sprintf("Translate the user's farming text from %s to %s. "+
					"Keep numbers, units and product names unchanged. Reply with the translation only.", src, dst),
			},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
	})
	if err != nil {
		return "", fmt.Errorf("translate %s->%s: %w", from, to, err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("translate: empty completion")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

var _ domain.Translator = (*OpenAI)(nil)
