package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// LocalProvider calls a self-hosted embedding server that accepts
// {"inputs": [text]} and answers {"embeddings": [[...]]}.
type LocalProvider struct {
	endpoint string
	dims     int
	client   *http.Client
}

type localRequest struct {
	Inputs []string `json:"inputs"`
}

type localResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

// NewLocalProvider creates a provider for cfg.Endpoint.
func NewLocalProvider(cfg Config) *LocalProvider {
	return &LocalProvider{
		endpoint: cfg.Endpoint,
		dims:     cfg.Dimension,
		client:   newHTTPClient(cfg.ConnectTimeout, cfg.ReadTimeout),
	}
}

func (p *LocalProvider) Embed(ctx context.Context, text string) (Vector, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrContentRequired
	}

	body, err := json.Marshal(localRequest{Inputs: []string{text}})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProviderUnreachable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProviderUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrProviderBadResponse, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrProviderUnreachable, err)
	}

	var result localResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProviderBadResponse, err)
	}
	if len(result.Embeddings) == 0 || result.Embeddings[0] == nil {
		return nil, ErrProviderBadResponse
	}
	return Fit(result.Embeddings[0], p.dims), nil
}

func (p *LocalProvider) Dims() int { return p.dims }
