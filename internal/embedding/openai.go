package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIProvider uses the OpenAI embeddings API (or any compatible server).
type OpenAIProvider struct {
	client openai.Client
	model  string
	dims   int
}

// NewOpenAIProvider creates a provider from cfg. Retries are disabled; the
// caller owns retry policy.
func NewOpenAIProvider(cfg Config) *OpenAIProvider {
	model := cfg.Model
	if model == "" {
		model = DefaultOpenAIModel
	}
	opts := []option.RequestOption{
		option.WithMaxRetries(0),
		option.WithHTTPClient(newHTTPClient(cfg.ConnectTimeout, cfg.ReadTimeout)),
	}
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &OpenAIProvider{
		client: openai.NewClient(opts...),
		model:  model,
		dims:   cfg.Dimension,
	}
}

func (p *OpenAIProvider) Embed(ctx context.Context, text string) (Vector, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrContentRequired
	}

	resp, err := p.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: []string{text}},
		Model: openai.EmbeddingModel(p.model),
	})
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("%w: status %d: %w", ErrProviderBadResponse, apiErr.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrProviderUnreachable, err)
	}
	if resp == nil || len(resp.Data) == 0 {
		return nil, fmt.Errorf("%w: no embedding returned", ErrProviderBadResponse)
	}
	return Fit(resp.Data[0].Embedding, p.dims), nil
}

func (p *OpenAIProvider) Dims() int { return p.dims }
