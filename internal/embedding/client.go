package embedding

import (
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// ollamaPlaceholderKey is sent to OpenAI-compatible servers that ignore auth.
const ollamaPlaceholderKey = "ollama"

// Client wraps an OpenAI-compatible API client. The same client type serves
// embeddings and chat completions, so generation can share it.
type Client struct {
	client *openai.Client
}

// NewClient creates a client for the API at baseURL (empty means api.openai.com).
// An API key is required for the hosted OpenAI API only; local servers such
// as Ollama accept any key. SDK-level retries are disabled so retry policy
// stays with the caller.
func NewClient(baseURL, apiKey string) (*Client, error) {
	if apiKey == "" {
		if baseURL == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
		apiKey = ollamaPlaceholderKey
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}

	client := openai.NewClient(opts...)
	return &Client{client: &client}, nil
}

// Client returns the underlying OpenAI client for use in other packages (e.g., answer generation).
func (c *Client) Client() *openai.Client {
	return c.client
}
