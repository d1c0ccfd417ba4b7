// Package embedding turns text into fixed-dimension vectors using a
// configured provider.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"time"
)

// Vector is a float32 embedding vector.
type Vector = []float32

// Embedder generates embedding vectors from text.
type Embedder interface {
	Embed(ctx context.Context, text string) (Vector, error)
	Dims() int
}

var (
	ErrProviderUnreachable = errors.New("embedding provider unreachable")
	ErrProviderBadResponse = errors.New("embedding provider returned invalid payload")
	ErrContentRequired     = errors.New("content is required")
	ErrUnsupportedProvider = errors.New("unsupported embedding provider")
)

// Provider identifiers.
const (
	ProviderNone   = "none"
	ProviderLocal  = "local_1024"
	ProviderOpenAI = "openai_1536"
)

const (
	DefaultConnectTimeout = 3 * time.Second
	DefaultReadTimeout    = 10 * time.Second
	DefaultLocalEndpoint  = "http://127.0.0.1:8081/embed"
	DefaultOpenAIModel    = "text-embedding-3-small"
)

// Config selects and configures a provider.
type Config struct {
	Provider       string
	Endpoint       string
	Dimension      int
	Model          string
	APIKey         string
	BaseURL        string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// DefaultDimension returns the native dimension of a provider.
func DefaultDimension(provider string) int {
	switch provider {
	case ProviderOpenAI:
		return 1536
	default:
		return 1024
	}
}

// New builds the embedder named by cfg.Provider. An empty or "none"
// provider disables embeddings and returns a nil Embedder.
func New(cfg Config) (Embedder, error) {
	if cfg.Dimension <= 0 {
		cfg.Dimension = DefaultDimension(cfg.Provider)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}

	switch cfg.Provider {
	case "", ProviderNone:
		return nil, nil
	case ProviderLocal:
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("local embedding endpoint is not configured")
		}
		return NewLocalProvider(cfg), nil
	case ProviderOpenAI:
		return NewOpenAIProvider(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, cfg.Provider)
	}
}

// Fit pads vec with zeros or truncates it to exactly dims values.
func Fit(vec []float64, dims int) Vector {
	if dims <= 0 {
		dims = len(vec)
	}
	out := make(Vector, dims)
	for i := 0; i < dims && i < len(vec); i++ {
		out[i] = float32(vec[i])
	}
	return out
}

// CosineSimilarity computes cosine similarity between two vectors.
func CosineSimilarity(a, b Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// newHTTPClient bounds connection setup by connect and the wait for the
// response by read.
func newHTTPClient(connect, read time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: connect}).DialContext,
		TLSHandshakeTimeout:   connect,
		ResponseHeaderTimeout: read,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   connect + read,
	}
}
