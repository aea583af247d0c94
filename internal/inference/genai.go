// Package inference asks a Gemini model to classify emails and draft replies.
package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"mailtriage/internal/model"
	"mailtriage/pkg/circuitbreaker"
	"mailtriage/pkg/metrics"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

const (
	DefaultModel   = "gemini-2.0-flash"
	DefaultTimeout = 60 * time.Second

	defaultCategory = "uncategorized"
	defaultSummary  = "No summary available"

	analysisTemperature = 0.3
	responseTemperature = 0.7
)

var ErrEmptyResponse = errors.New("model returned an empty response")

type Config struct {
	APIKey string
	Model  string
	// BaseURL overrides the Gemini endpoint.
	BaseURL string
	// Timeout bounds each model call.
	Timeout time.Duration
	Breaker circuitbreaker.Config
}

// contentGenerator is the subset of *genai.Models used here.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GenAIClient implements pipeline.InferenceClient on the Gemini API.
type GenAIClient struct {
	models  contentGenerator
	model   string
	timeout time.Duration
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewGenAIClient(ctx context.Context, cfg Config, logger *zap.Logger) (*GenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return newClient(client.Models, cfg, logger), nil
}

func newClient(models contentGenerator, cfg Config, logger *zap.Logger) *GenAIClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker.Name = "genai"
	}
	if cfg.Breaker.OnStateChange == nil {
		cfg.Breaker.OnStateChange = func(name string, from, to circuitbreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		}
	}
	return &GenAIClient{
		models:  models,
		model:   cfg.Model,
		timeout: cfg.Timeout,
		breaker: circuitbreaker.New(cfg.Breaker),
		logger:  logger,
	}
}

// Analyze classifies one email. Missing or out-of-range fields in the model output
// fall back to defaults; output that is not JSON is an error.
func (c *GenAIClient) Analyze(ctx context.Context, email model.Email) (model.AnalysisResult, error) {
	text, err := c.generate(ctx, "analyze", analysisSystemPrompt, buildAnalysisPrompt(email), &genai.GenerateContentConfig{
		Temperature:      genai.Ptr[float32](analysisTemperature),
		ResponseMIMEType: "application/json",
		ResponseSchema:   analysisSchema(),
	})
	if err != nil {
		return model.AnalysisResult{}, err
	}

	result, err := parseAnalysis(text)
	if err != nil {
		return model.AnalysisResult{}, fmt.Errorf("failed to parse analysis for email %s: %w", email.ID, err)
	}

	c.logger.Debug("Email analyzed",
		zap.String("email_id", email.ID),
		zap.String("priority", string(result.Priority)),
		zap.String("category", result.Category),
	)
	return result, nil
}

// Generate drafts a reply body.
func (c *GenAIClient) Generate(ctx context.Context, email model.Email, analysis model.AnalysisResult) (string, error) {
	text, err := c.generate(ctx, "generate", responseSystemPrompt, buildResponsePrompt(email, analysis), &genai.GenerateContentConfig{
		Temperature: genai.Ptr[float32](responseTemperature),
	})
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("failed to generate response for email %s: %w", email.ID, ErrEmptyResponse)
	}
	return text, nil
}

func (c *GenAIClient) generate(ctx context.Context, op, system, prompt string, cfg *genai.GenerateContentConfig) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)

	var text string
	start := time.Now()
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		resp, err := c.models.GenerateContent(ctx, c.model, genai.Text(prompt), cfg)
		if err != nil {
			return err
		}
		text = resp.Text()
		return nil
	})
	metrics.RecordInferenceCallLatency(op, metrics.StatusLabel(err), time.Since(start))
	if err != nil {
		return "", fmt.Errorf("failed to call model %s (%s): %w", c.model, op, err)
	}
	return text, nil
}

type rawAnalysis struct {
	Category          string   `json:"category"`
	Sentiment         string   `json:"sentiment"`
	Priority          string   `json:"priority"`
	Summary           string   `json:"summary"`
	Keywords          []string `json:"keywords"`
	SuggestedResponse string   `json:"suggestedResponse"`
}

func parseAnalysis(text string) (model.AnalysisResult, error) {
	text = stripFence(text)
	if text == "" {
		return model.AnalysisResult{}, ErrEmptyResponse
	}
	var raw rawAnalysis
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return model.AnalysisResult{}, err
	}

	out := model.AnalysisResult{
		Category:          strings.TrimSpace(raw.Category),
		Sentiment:         model.Sentiment(strings.ToLower(strings.TrimSpace(raw.Sentiment))),
		Priority:          model.Priority(strings.ToLower(strings.TrimSpace(raw.Priority))),
		Summary:           strings.TrimSpace(raw.Summary),
		SuggestedResponse: strings.TrimSpace(raw.SuggestedResponse),
		Keywords:          []string{},
	}
	if out.Category == "" {
		out.Category = defaultCategory
	}
	if !out.Sentiment.Valid() {
		out.Sentiment = model.SentimentNeutral
	}
	if !out.Priority.Valid() {
		out.Priority = model.PriorityMedium
	}
	if out.Summary == "" {
		out.Summary = defaultSummary
	}
	for _, k := range raw.Keywords {
		if len(out.Keywords) == model.MaxKeywords {
			break
		}
		if k = strings.TrimSpace(k); k != "" {
			out.Keywords = append(out.Keywords, k)
		}
	}
	return out, nil
}

// stripFence 去掉模型偶尔包裹的 ```json 代码块
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
