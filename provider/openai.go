package provider

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/chatvault/chatvault/secret"
	"github.com/chatvault/chatvault/store"
)

// Config describes an OpenAI-compatible completion endpoint.
type Config struct {
	Provider    string // openai, deepseek, openrouter, ollama, or any compatible
	BaseURL     string // optional, has a default per provider
	MaxTokens   int    // default: 2048
	Temperature float32
	Timeout     int // request timeout in seconds (default: 120)
}

var baseURLDefaults = map[string]string{
	"openai":     "https://api.openai.com/v1",
	"deepseek":   "https://api.deepseek.com",
	"openrouter": "https://openrouter.ai/api/v1",
	"ollama":     "http://localhost:11434/v1",
}

type openAIStreamer struct {
	client      *openai.Client
	provider    string
	maxTokens   int
	temperature float32
	timeout     int
}

// NewOpenAIStreamer creates a Streamer over any OpenAI-compatible API. The
// API key is resolved through the credential store; a missing credential is
// tolerated for keyless local endpoints like ollama.
func NewOpenAIStreamer(ctx context.Context, cfg *Config, credentials secret.Store) (Streamer, error) {
	apiKey, err := credentials.GetCredential(ctx, cfg.Provider)
	if err != nil {
		slog.Warn("no credential for provider, continuing unauthenticated",
			"provider", cfg.Provider,
			"error", err,
		)
	}

	clientConfig := openai.DefaultConfig(apiKey)
	clientConfig.HTTPClient = newHTTPClient()
	switch {
	case cfg.BaseURL != "":
		clientConfig.BaseURL = cfg.BaseURL
	case baseURLDefaults[cfg.Provider] != "":
		clientConfig.BaseURL = baseURLDefaults[cfg.Provider]
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120
	}

	return &openAIStreamer{
		client:      openai.NewClientWithConfig(clientConfig),
		provider:    cfg.Provider,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
		timeout:     timeout,
	}, nil
}

func (s *openAIStreamer) StreamCompletion(ctx context.Context, history []*store.Message, modelID string) (<-chan string, <-chan error) {
	contentChan := make(chan string, 10)
	errChan := make(chan error, 1)

	go func() {
		defer close(contentChan)
		defer close(errChan)

		ctx, cancel := context.WithTimeout(ctx, time.Duration(s.timeout)*time.Second)
		defer cancel()

		req := openai.ChatCompletionRequest{
			Model:       modelID,
			MaxTokens:   s.maxTokens,
			Temperature: s.temperature,
			Messages:    convertHistory(history),
		}

		slog.Debug("completion stream starting",
			"provider", s.provider,
			"model", modelID,
			"history", len(history),
		)
		stream, err := s.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			errChan <- &Error{Provider: s.provider, Op: "create stream", Err: err}
			return
		}
		defer func() { _ = stream.Close() }()

		fragments := 0
		for {
			response, err := stream.Recv()
			if err != nil {
				if strings.Contains(err.Error(), "EOF") {
					slog.Debug("completion stream ended", "fragments", fragments)
					return
				}
				if ctx.Err() != nil {
					// Cancelled by the caller, not a provider failure.
					return
				}
				errChan <- &Error{Provider: s.provider, Op: "stream recv", Err: err}
				return
			}

			if len(response.Choices) == 0 {
				continue
			}
			if response.Choices[0].FinishReason != "" {
				slog.Debug("completion stream finished",
					"reason", response.Choices[0].FinishReason,
					"fragments", fragments,
				)
				return
			}
			delta := response.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			fragments++
			select {
			case contentChan <- delta:
			case <-ctx.Done():
				return
			}
		}
	}()

	return contentChan, errChan
}

func (s *openAIStreamer) FetchAvailableModels(ctx context.Context) ([]Model, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	list, err := s.client.ListModels(ctx)
	if err != nil {
		return nil, &Error{Provider: s.provider, Op: "list models", Err: err}
	}
	models := make([]Model, 0, len(list.Models))
	for _, m := range list.Models {
		models = append(models, Model{ID: m.ID, OwnedBy: m.OwnedBy})
	}
	return models, nil
}

func convertHistory(history []*store.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(history))
	for _, m := range history {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case store.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		case store.RoleSystem:
			role = openai.ChatMessageRoleSystem
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

func newHTTPClient() *http.Client {
	// No client-level timeout: streams stay open past any fixed deadline and
	// are bounded per request through the context instead.
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}
