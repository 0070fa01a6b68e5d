package embedder

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/jodaltro/tamagotchi/pkg/memory"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	DefaultOpenAIModel = "text-embedding-3-small"
	defaultOpenAIDim   = 256
)

var errEmptyResponse = errors.New("embedding response has no data")

// OpenAI embeds text with the OpenAI embeddings API or any compatible
// endpoint reachable through BaseURL.
type OpenAI struct {
	client *openai.Client
	model  string
	dim    int
}

var _ memory.Embedder = (*OpenAI)(nil)

type OpenAIOptions struct {
	APIKey     string
	BaseURL    string
	Model      string
	Dimensions int
	HTTPClient *http.Client
}

func NewOpenAI(opts OpenAIOptions) (*OpenAI, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("openai embedder: api key is required")
	}
	if opts.Model == "" {
		opts.Model = DefaultOpenAIModel
	}
	if opts.Dimensions <= 0 {
		opts.Dimensions = defaultOpenAIDim
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}

	clientOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithHTTPClient(opts.HTTPClient),
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	client := openai.NewClient(clientOpts...)

	return &OpenAI{
		client: &client,
		model:  opts.Model,
		dim:    opts.Dimensions,
	}, nil
}

// ModelID includes the dimension so vectors of different sizes are never
// cached under the same key.
func (o *OpenAI) ModelID() string {
	return fmt.Sprintf("openai:%s:%d", o.model, o.dim)
}

func (o *OpenAI) Embed(ctx context.Context, text string) (memory.Vector, error) {
	if strings.TrimSpace(text) == "" {
		return memory.NoVector(), nil
	}
	params := openai.EmbeddingNewParams{
		Model:          o.model,
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: []string{text}},
		Dimensions:     openai.Int(int64(o.dim)),
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	}

	resp, err := o.client.Embeddings.New(ctx, params)
	if err != nil {
		return memory.NoVector(), fmt.Errorf("openai embeddings: %w", err)
	}
	for _, item := range resp.Data {
		if item.Index != 0 {
			continue
		}
		return memory.SomeVector(float64sToFloat32s(item.Embedding)), nil
	}
	return memory.NoVector(), errEmptyResponse
}

func float64sToFloat32s(f64 []float64) []float32 {
	out := make([]float32, len(f64))
	for i, v := range f64 {
		out[i] = float32(v)
	}
	return out
}
