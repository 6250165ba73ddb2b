package scanning

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// contentGenerator is the part of *genai.GenerativeModel used for extraction
type contentGenerator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// clientBuilder creates a generator for an API key. The closer releases the underlying client.
type clientBuilder func(ctx context.Context, apiKey string) (contentGenerator, io.Closer, error)

// ClientFactory lazily builds one Gemini client per credential generation.
// The client is shared by concurrent extractions and rebuilt after the
// credential is set or cleared.
type ClientFactory struct {
	creds CredentialSource
	build clientBuilder

	mu         sync.Mutex
	generation uint64
	cached     contentGenerator
	closer     io.Closer
}

// NewClientFactory creates a ClientFactory for the given Gemini model
func NewClientFactory(creds CredentialSource, modelName string) *ClientFactory {
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}
	return newClientFactory(creds, geminiBuilder(modelName))
}

func newClientFactory(creds CredentialSource, build clientBuilder) *ClientFactory {
	return &ClientFactory{creds: creds, build: build}
}

func geminiBuilder(modelName string) clientBuilder {
	return func(ctx context.Context, apiKey string) (contentGenerator, io.Closer, error) {
		client, err := genai.NewClient(context.WithoutCancel(ctx), option.WithAPIKey(apiKey))
		if err != nil {
			return nil, nil, fmt.Errorf("creating gemini client: %w", err)
		}

		model := client.GenerativeModel(modelName)
		model.SetTemperature(0)
		model.ResponseMIMEType = "application/json"
		model.ResponseSchema = analysisGenaiSchema()

		return model, client, nil
	}
}

// generator returns the cached generator, building a new one if the credential changed
func (f *ClientFactory) generator(ctx context.Context) (contentGenerator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	current := f.creds.Generation()
	if f.cached != nil && f.generation == current {
		return f.cached, nil
	}
	f.reset()

	key, err := f.creds.Key()
	if err != nil {
		return nil, newError(KindMissingCredential, "API key is missing", err)
	}

	gen, closer, err := f.build(ctx, key)
	if err != nil {
		return nil, classifyCallError(err)
	}
	f.cached, f.closer, f.generation = gen, closer, current
	return gen, nil
}

// reset drops the cached client. Callers hold f.mu.
func (f *ClientFactory) reset() {
	if f.closer != nil {
		f.closer.Close()
	}
	f.cached, f.closer = nil, nil
}

// Close releases the cached client
func (f *ClientFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reset()
	return nil
}

// Gemini implements the Scanner interface using Google Gemini
type Gemini struct {
	factory *ClientFactory
}

// NewGemini creates a new Gemini Scanner backed by factory
func NewGemini(factory *ClientFactory) *Gemini {
	return &Gemini{factory: factory}
}

// Extract reads the codes on one image
func (g *Gemini) Extract(ctx context.Context, image []byte, mimeType string) (*AnalysisResult, error) {
	model, err := g.factory.generator(ctx)
	if err != nil {
		return nil, err
	}

	prepared, err := prepareImage(image, mimeType)
	if err != nil {
		return nil, err
	}

	// genai.ImageData expects the format suffix, and prepareImage always yields PNG
	parts := []genai.Part{
		genai.ImageData("png", prepared.Data),
		genai.Text(extractionPrompt),
	}

	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		var blocked *genai.BlockedError
		if errors.As(err, &blocked) {
			return nil, newError(KindEmptyResponse, "response was blocked", err)
		}
		return nil, classifyCallError(err)
	}

	return parseAnalysisJSON(responseText(resp))
}

// responseText joins the text parts of the first candidate
func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}
	return text.String()
}

// Close closes the cached Gemini client
func (g *Gemini) Close() error {
	return g.factory.Close()
}
