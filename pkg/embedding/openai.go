package embedding

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIOptions configures the OpenAI-compatible backend.
type OpenAIOptions struct {
	BaseURL   string
	APIKey    string
	Model     string
	Dimension int
	Timeout   time.Duration
}

// OpenAI embeds text with the OpenAI embeddings API or any compatible server.
type OpenAI struct {
	client openai.Client
	model  string
	dim    int
}

// NewOpenAI creates an OpenAI embedding backend.
func NewOpenAI(opts OpenAIOptions) (*OpenAI, error) {
	if opts.Model == "" {
		opts.Model = string(openai.EmbeddingModelTextEmbedding3Small)
	}
	if opts.Dimension <= 0 {
		opts.Dimension = 1536
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	reqOpts := []option.RequestOption{
		option.WithRequestTimeout(opts.Timeout),
		option.WithMaxRetries(2),
	}
	if opts.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(opts.APIKey))
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}

	return &OpenAI{
		client: openai.NewClient(reqOpts...),
		model:  opts.Model,
		dim:    opts.Dimension,
	}, nil
}

// Embed implements Provider.
func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := o.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input:          openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model:          openai.EmbeddingModel(o.model),
		Dimensions:     openai.Int(int64(o.dim)),
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, ErrEmptyResponse
	}

	vec := make([]float32, len(resp.Data[0].Embedding))
	for i, v := range resp.Data[0].Embedding {
		vec[i] = float32(v)
	}
	if err := checkDimension(vec, o.dim); err != nil {
		return nil, err
	}
	return vec, nil
}

// Dimension implements Provider.
func (o *OpenAI) Dimension() int { return o.dim }

// Name implements Provider.
func (o *OpenAI) Name() string { return "openai:" + o.model }
