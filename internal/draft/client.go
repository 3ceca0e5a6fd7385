package draft

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Draft is a structured drafting candidate. Confidence is in [0,1].
type Draft struct {
	Content    string
	Fields     map[string]string
	Confidence float64
	Model      string
}

// ErrUnavailable marks a transient drafting failure. Callers never retry
// here; the dispatcher owns the retry policy.
var ErrUnavailable = errors.New("drafting client unavailable")

type Client interface {
	Generate(ctx context.Context, promptKey string, context map[string]string) (Draft, error)
}

// StaticClient renders drafts from the built-in templates without any
// external call. It is the default when no endpoint is configured and the
// client used in tests.
type StaticClient struct {
	// Confidence overrides the heuristic score when >= 0.
	Confidence float64
}

func NewStaticClient() StaticClient {
	return StaticClient{Confidence: -1}
}

func (c StaticClient) Generate(ctx context.Context, promptKey string, vars map[string]string) (Draft, error) {
	if err := ctx.Err(); err != nil {
		return Draft{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	content, err := Render(promptKey, vars)
	if err != nil {
		return Draft{}, err
	}
	conf := c.Confidence
	if conf < 0 {
		conf = EstimateConfidence(content)
	}
	return Draft{
		Content:    content,
		Fields:     vars,
		Confidence: conf,
		Model:      "static",
	}, nil
}

// HTTPClient drafts against an Ollama-compatible generate endpoint.
type HTTPClient struct {
	Endpoint string
	Model    string
	HTTP     *http.Client
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
}

// structuredDraft is the shape the model is asked to answer with. Responses
// that do not parse fall back to plain text plus the heuristic score.
type structuredDraft struct {
	Content    string            `json:"content"`
	Fields     map[string]string `json:"fields"`
	Confidence *float64          `json:"confidence"`
}

func (c HTTPClient) Generate(ctx context.Context, promptKey string, vars map[string]string) (Draft, error) {
	prompt, err := Render(promptKey, vars)
	if err != nil {
		return Draft{}, err
	}
	body, err := json.Marshal(generateRequest{Model: c.Model, Prompt: prompt, Stream: false, Format: "json"})
	if err != nil {
		return Draft{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Draft{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := c.HTTP
	if client == nil {
		client = &http.Client{Timeout: 90 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return Draft{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return Draft{}, fmt.Errorf("%w: endpoint returned %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return Draft{}, fmt.Errorf("drafting endpoint returned %d", resp.StatusCode)
	}
	var gen generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&gen); err != nil {
		return Draft{}, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}

	d := Draft{Content: gen.Response, Model: c.Model}
	scored := false
	var structured structuredDraft
	if err := json.Unmarshal([]byte(gen.Response), &structured); err == nil && structured.Content != "" {
		d.Content = structured.Content
		d.Fields = structured.Fields
		if structured.Confidence != nil {
			d.Confidence = *structured.Confidence
			scored = true
		}
	}
	// The heuristic only fills in for a model that reported no score at
	// all; an explicit zero stands.
	if !scored {
		d.Confidence = EstimateConfidence(d.Content)
	}
	return d, nil
}
