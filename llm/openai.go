package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"github.com/sashabaranov/go-openai"

	"github.com/mrsingh-rishi/broca/metrics"
)

//go:generate mockgen -destination=mock_llm/mock_llm.go -package=mock_llm github.com/mrsingh-rishi/broca/llm Completer

const (
	DefaultModel = openai.GPT3Dot5TurboInstruct

	choices          = 4
	temperature      = 0.7
	cleanMaxTokens   = 256
	predictMaxTokens = 5
	stopSequence     = ">"

	kindClean   = "clean"
	kindPredict = "predict"
)

// Completer is the part of the OpenAI client the cleaner needs.
// *openai.Client satisfies it.
type Completer interface {
	CreateCompletion(ctx context.Context, req openai.CompletionRequest) (openai.CompletionResponse, error)
}

// NewOpenAIClient builds a completion client. baseURL may be empty to use
// the public API.
func NewOpenAIClient(apiKey, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return openai.NewClientWithConfig(cfg)
}

// Cleaner turns raw speech transcripts into clean text candidates and
// predicts how a sentence continues.
type Cleaner struct {
	client  Completer
	model   string
	prompts PromptStore
	logger  *log.Logger
	metrics *metrics.Metrics
}

func NewCleaner(client Completer, model string, prompts PromptStore, logger *log.Logger, m *metrics.Metrics) (*Cleaner, error) {
	if client == nil {
		return nil, errors.New("completion client is required")
	}
	if model == "" {
		model = DefaultModel
	}
	return &Cleaner{
		client:  client,
		model:   model,
		prompts: prompts,
		logger:  logger,
		metrics: m,
	}, nil
}

// Clean returns up to four cleaned versions of text, using the prompt for
// label when one exists.
func (c *Cleaner) Clean(ctx context.Context, label, text string) ([]string, error) {
	p, err := c.prompts.Load(label)
	if err != nil {
		return nil, err
	}
	prompt, err := p.Render(text)
	if err != nil {
		return nil, err
	}
	return c.complete(ctx, kindClean, prompt, cleanMaxTokens)
}

// Predict returns up to four guesses at the next few words after text.
func (c *Cleaner) Predict(ctx context.Context, text string) ([]string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyPrompt
	}
	return c.complete(ctx, kindPredict, fmt.Sprintf(predictPrompt, text), predictMaxTokens)
}

func (c *Cleaner) complete(ctx context.Context, kind, prompt string, maxTokens int) ([]string, error) {
	c.metrics.CompletionRequests.WithLabelValues(kind).Inc()
	start := time.Now()

	resp, err := c.client.CreateCompletion(ctx, openai.CompletionRequest{
		Model:       c.model,
		Prompt:      prompt,
		Temperature: temperature,
		MaxTokens:   maxTokens,
		N:           choices,
		Stop:        []string{stopSequence},
	})
	c.metrics.CompletionDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.CompletionFailures.WithLabelValues(kind).Inc()
		return nil, errors.Wrapf(err, "%s completion", kind)
	}

	out := make([]string, 0, len(resp.Choices))
	for _, choice := range resp.Choices {
		out = append(out, strings.TrimSuffix(choice.Text, stopSequence))
	}
	c.logger.Debug("completion", "kind", kind, "choices", len(out), "tokens", resp.Usage.TotalTokens)
	return out, nil
}
