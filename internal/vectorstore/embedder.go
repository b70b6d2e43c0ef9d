package vectorstore

import (
	"context"
	"fmt"
	"math"

	chromem "github.com/philippgille/chromem-go"
	"google.golang.org/genai"
)

// Gemini embedding task types.
const (
	TaskDocument = "RETRIEVAL_DOCUMENT"
	TaskQuery    = "RETRIEVAL_QUERY"
)

// embedder is the slice of *genai.Models used for embeddings.
type embedder interface {
	EmbedContent(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)
}

// GeminiEmbedders returns a document and a query embedding function backed
// by the Gemini embedding API.
func GeminiEmbedders(ctx context.Context, apiKey, model string) (doc, query chromem.EmbeddingFunc, err error) {
	if apiKey == "" {
		return nil, nil, fmt.Errorf("vectorstore: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, nil, fmt.Errorf("vectorstore: gemini client: %w", err)
	}
	return geminiEmbedFunc(client.Models, model, TaskDocument), geminiEmbedFunc(client.Models, model, TaskQuery), nil
}

func geminiEmbedFunc(m embedder, model, task string) chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		contents := []*genai.Content{{Parts: []*genai.Part{{Text: text}}}}
		res, err := m.EmbedContent(ctx, model, contents, &genai.EmbedContentConfig{TaskType: task})
		if err != nil {
			return nil, fmt.Errorf("vectorstore: embed: %w", err)
		}
		if len(res.Embeddings) == 0 || len(res.Embeddings[0].Values) == 0 {
			return nil, fmt.Errorf("vectorstore: embed: empty embedding")
		}
		v := res.Embeddings[0].Values
		normalize(v)
		return v, nil
	}
}

// normalize scales v to unit length in place.
func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	mag := math.Sqrt(sum)
	if mag == 0 {
		return
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / mag)
	}
}
