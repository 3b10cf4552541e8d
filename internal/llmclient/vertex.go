package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2/google"
)

// VertexClient implements Generator against the Vertex AI global endpoint
// via REST with application-default credentials.
type VertexClient struct {
	project    string
	model      string
	httpClient *http.Client
}

// NewVertexClient creates a VertexClient using default credentials.
// Returns nil when no project is configured so the Router skips the provider.
func NewVertexClient(ctx context.Context, project, model string) (*VertexClient, error) {
	if project == "" {
		return nil, nil
	}
	httpClient, err := google.DefaultClient(ctx, "https://www.googleapis.com/auth/cloud-platform")
	if err != nil {
		return nil, fmt.Errorf("llmclient.NewVertexClient: default credentials: %w", err)
	}
	return &VertexClient{
		project:    project,
		model:      model,
		httpClient: httpClient,
	}, nil
}

type vertexGenerateRequest struct {
	Contents         []vertexContent         `json:"contents"`
	GenerationConfig *vertexGenerationConfig `json:"generationConfig,omitempty"`
}

type vertexContent struct {
	Role  string       `json:"role"`
	Parts []vertexPart `json:"parts"`
}

type vertexPart struct {
	Text string `json:"text"`
}

type vertexGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

type vertexGenerateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Generate implements Generator using the :generateContent REST method.
// Retries up to 3 times on 429/RESOURCE_EXHAUSTED with 500→1000→2000ms backoff.
func (c *VertexClient) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	return withRetry(ctx, "vertex.Generate", func() (string, error) {
		return c.generate(ctx, prompt, opts)
	})
}

func (c *VertexClient) generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	model := opts.Model
	if model == "" {
		model = c.model
	}

	url := fmt.Sprintf(
		"https://aiplatform.googleapis.com/v1/projects/%s/locations/global/publishers/google/models/%s:generateContent",
		c.project, model,
	)

	reqBody := vertexGenerateRequest{
		Contents: []vertexContent{
			{Role: "user", Parts: []vertexPart{{Text: prompt}}},
		},
		GenerationConfig: &vertexGenerationConfig{
			Temperature: &opts.Temperature,
		},
	}
	if opts.MaxTokens > 0 {
		reqBody.GenerationConfig.MaxOutputTokens = &opts.MaxTokens
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("llmclient.Vertex: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("llmclient.Vertex: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("llmclient.Vertex: call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("llmclient.Vertex: read body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llmclient.Vertex: status %d: %s", resp.StatusCode, respBody)
	}

	var genResp vertexGenerateResponse
	if err := json.Unmarshal(respBody, &genResp); err != nil {
		return "", fmt.Errorf("llmclient.Vertex: decode: %w", err)
	}
	if genResp.Error != nil {
		return "", fmt.Errorf("llmclient.Vertex: API error %d: %s", genResp.Error.Code, genResp.Error.Message)
	}
	if len(genResp.Candidates) == 0 || len(genResp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("llmclient.Vertex: empty response from model")
	}

	var out string
	for _, p := range genResp.Candidates[0].Content.Parts {
		out += p.Text
	}
	if out == "" {
		return "", fmt.Errorf("llmclient.Vertex: no text in response")
	}
	return out, nil
}

// ModelName returns the configured default model.
func (c *VertexClient) ModelName() string {
	return c.model
}

var _ Generator = (*VertexClient)(nil)
