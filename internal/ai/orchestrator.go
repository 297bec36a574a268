package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/wejdan/chat-app/internal/metrics"
)

// Generation parameter defaults, applied when the caller leaves them zero.
const (
	DefaultTemperature = 0.7
	DefaultMaxTokens   = 2000
)

// requestTimeout bounds non-streaming provider calls. Streaming calls are
// bounded only by the caller's context.
const requestTimeout = 2 * time.Minute

// ErrNoProvider is returned when no descriptor has both a credential and the
// requested model. The orchestrator never substitutes another model.
var ErrNoProvider = errors.New("ai: no provider available for requested model")

// CallError is a non-success HTTP-level result from the selected provider.
// It is surfaced to the caller; no retry and no failover is attempted.
type CallError struct {
	Provider string
	Status   int
	Body     string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("ai: provider %s returned status %d: %s", e.Provider, e.Status, e.Body)
}

// Role identifies the author of a normalized message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in the normalized conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request is the normalized chat-completion request.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"maxTokens,omitempty"`
}

// Response is the normalized chat-completion response.
type Response struct {
	Content  string `json:"content"`
	Model    string `json:"model"`
	Tokens   int    `json:"tokens"`
	Provider string `json:"provider"`
}

// Orchestrator selects a provider per request and translates between the
// normalized shapes and the provider's wire format.
type Orchestrator struct {
	directory *Directory
	client    *http.Client // bounded, for single-shot calls
	streamer  *http.Client // unbounded, for streaming reads
}

// NewOrchestrator creates an Orchestrator over the given directory.
func NewOrchestrator(directory *Directory) *Orchestrator {
	return &Orchestrator{
		directory: directory,
		client:    &http.Client{Timeout: requestTimeout},
		streamer:  &http.Client{},
	}
}

// Directory returns the orchestrator's provider directory.
func (o *Orchestrator) Directory() *Directory {
	return o.directory
}

// Send issues a non-streaming completion request. Provider selection happens
// once; a failed call surfaces as *CallError without trying another provider.
func (o *Orchestrator) Send(ctx context.Context, req Request) (*Response, error) {
	provider, ok := o.directory.Select(req.Model)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoProvider, req.Model)
	}

	start := time.Now()
	resp, err := o.call(ctx, o.client, provider, req, false)
	o.observe(provider.Name, start, err)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return parseResponse(provider, req.Model, resp.Body)
}

// call builds the provider-specific request body and issues the HTTP call.
// Any non-2xx status is converted into *CallError with the response body.
func (o *Orchestrator) call(ctx context.Context, client *http.Client, provider *Provider, req Request, stream bool) (*http.Response, error) {
	body, err := encodeRequest(provider, req, stream)
	if err != nil {
		return nil, fmt.Errorf("ai: encode request for %s: %w", provider.Name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ai: build request for %s: %w", provider.Name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	switch provider.Dialect {
	case DialectGemini:
		httpReq.Header.Set("x-goog-api-key", provider.APIKey)
	default:
		httpReq.Header.Set("Authorization", "Bearer "+provider.APIKey)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("ai: call %s: %w", provider.Name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &CallError{Provider: provider.Name, Status: resp.StatusCode, Body: string(errBody)}
	}
	return resp, nil
}

func (o *Orchestrator) observe(provider string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.AIRequestsTotal.WithLabelValues(provider, outcome).Inc()
	metrics.AIRequestDuration.Observe(time.Since(start).Seconds())
}

// encodeRequest translates the normalized request into the provider's wire
// shape.
func encodeRequest(provider *Provider, req Request, stream bool) ([]byte, error) {
	temperature := req.Temperature
	if temperature == 0 {
		temperature = DefaultTemperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = DefaultMaxTokens
	}

	switch provider.Dialect {
	case DialectGemini:
		// Role-remapped content-parts structure: assistant becomes "model",
		// everything else (including system) becomes "user".
		type geminiPart struct {
			Text string `json:"text"`
		}
		type geminiContent struct {
			Role  string       `json:"role"`
			Parts []geminiPart `json:"parts"`
		}
		contents := make([]geminiContent, 0, len(req.Messages))
		for _, m := range req.Messages {
			role := "user"
			if m.Role == RoleAssistant {
				role = "model"
			}
			contents = append(contents, geminiContent{
				Role:  role,
				Parts: []geminiPart{{Text: m.Content}},
			})
		}
		return json.Marshal(map[string]interface{}{
			"contents": contents,
			"generationConfig": map[string]interface{}{
				"temperature":     temperature,
				"maxOutputTokens": maxTokens,
			},
		})

	default:
		return json.Marshal(map[string]interface{}{
			"model":       req.Model,
			"messages":    req.Messages,
			"temperature": temperature,
			"max_tokens":  maxTokens,
			"stream":      stream,
		})
	}
}

// parseResponse decodes the provider-specific response envelope back into the
// normalized Response.
func parseResponse(provider *Provider, model string, body io.Reader) (*Response, error) {
	switch provider.Dialect {
	case DialectGemini:
		var envelope struct {
			Candidates []struct {
				Content struct {
					Parts []struct {
						Text string `json:"text"`
					} `json:"parts"`
				} `json:"content"`
			} `json:"candidates"`
			UsageMetadata struct {
				TotalTokenCount int `json:"totalTokenCount"`
			} `json:"usageMetadata"`
		}
		if err := json.NewDecoder(body).Decode(&envelope); err != nil {
			return nil, fmt.Errorf("ai: decode %s response: %w", provider.Name, err)
		}
		var content string
		if len(envelope.Candidates) > 0 && len(envelope.Candidates[0].Content.Parts) > 0 {
			content = envelope.Candidates[0].Content.Parts[0].Text
		}
		return &Response{
			Content:  content,
			Model:    model,
			Tokens:   envelope.UsageMetadata.TotalTokenCount,
			Provider: provider.Name,
		}, nil

	default:
		var envelope struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
			Usage struct {
				TotalTokens int `json:"total_tokens"`
			} `json:"usage"`
		}
		if err := json.NewDecoder(body).Decode(&envelope); err != nil {
			return nil, fmt.Errorf("ai: decode %s response: %w", provider.Name, err)
		}
		var content string
		if len(envelope.Choices) > 0 {
			content = envelope.Choices[0].Message.Content
		}
		return &Response{
			Content:  content,
			Model:    model,
			Tokens:   envelope.Usage.TotalTokens,
			Provider: provider.Name,
		}, nil
	}
}
