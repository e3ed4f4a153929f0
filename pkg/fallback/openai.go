package fallback

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"

	"github.com/patternforge/patternforge/pkg/bootstrap"
	"github.com/patternforge/patternforge/pkg/engine"
	"github.com/patternforge/patternforge/pkg/patterns"
)

// DefaultModel is used when Config.Model is empty.
const DefaultModel = "gpt-4o-mini"

// Config configures the OpenAI-compatible plan generator.
type Config struct {
	// APIKey authenticates against the API.
	APIKey string `json:"api_key" yaml:"api_key"`

	// BaseURL points at an OpenAI-compatible endpoint. Empty uses the OpenAI API.
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`

	// Model is the chat model.
	Model string `json:"model,omitempty" yaml:"model,omitempty"`

	// Temperature is the sampling temperature.
	Temperature float32 `json:"temperature,omitempty" yaml:"temperature,omitempty"`

	// MaxTokens bounds the completion length. Zero leaves it to the API.
	MaxTokens int `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`

	// MaxAttempts bounds how often a rejected plan is sent back with the
	// validation error. Zero means 2.
	MaxAttempts int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
}

// ChatClient is the part of the OpenAI client the generator uses.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIGenerator asks a chat model for a deployment pattern when no stored
// pattern matches a project. Answers go through the same parser and schema
// as pattern files.
type OpenAIGenerator struct {
	client ChatClient
	parser *patterns.Parser
	cfg    Config
	logger zerolog.Logger
}

// Option configures an OpenAIGenerator.
type Option func(*OpenAIGenerator)

// WithClient replaces the API client.
func WithClient(c ChatClient) Option {
	return func(g *OpenAIGenerator) { g.client = c }
}

// WithParser sets the pattern parser. By default a new parser is created.
func WithParser(p *patterns.Parser) Option {
	return func(g *OpenAIGenerator) { g.parser = p }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(g *OpenAIGenerator) { g.logger = logger.With().Str("component", "fallback").Logger() }
}

// NewOpenAIGenerator creates a generator. An API key is required unless a
// client is supplied.
func NewOpenAIGenerator(cfg Config, opts ...Option) (*OpenAIGenerator, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}

	g := &OpenAIGenerator{cfg: cfg, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(g)
	}

	if g.client == nil {
		if cfg.APIKey == "" {
			return nil, engine.NewPermanentError("plan generator requires an API key", nil).
				WithCode(engine.ErrCodeValidation)
		}
		clientCfg := openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			clientCfg.BaseURL = cfg.BaseURL
		}
		g.client = openai.NewClientWithConfig(clientCfg)
	}

	if g.parser == nil {
		parser, err := patterns.NewParser()
		if err != nil {
			return nil, fmt.Errorf("failed to create pattern parser: %w", err)
		}
		g.parser = parser
	}

	return g, nil
}

// Generate implements bootstrap.PlanGenerator.
func (g *OpenAIGenerator) Generate(ctx context.Context, req bootstrap.PlanRequest) (*patterns.Pattern, error) {
	prompt, err := userPrompt(req)
	if err != nil {
		return nil, err
	}

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: prompt},
	}

	var lastErr error
	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		g.logger.Debug().Str("model", g.cfg.Model).Int("attempt", attempt).Msg("Requesting deployment plan")

		answer, err := g.complete(ctx, messages)
		if err != nil {
			return nil, err
		}

		p, err := g.parser.Parse([]byte(extractJSON(answer)), patterns.FormatJSON, "generated plan")
		if err == nil {
			g.logger.Info().
				Str("pattern", p.Key().String()).
				Int("phases", len(p.DeploymentPhases)).
				Int("attempt", attempt).
				Msg("Deployment plan generated")
			return p, nil
		}

		lastErr = err
		g.logger.Warn().Err(err).Int("attempt", attempt).Msg("Generated plan rejected")
		messages = append(messages,
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: answer},
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: fmt.Sprintf(
				"The document was rejected: %v. Reply with the corrected JSON document only.", err)},
		)
	}

	return nil, fmt.Errorf("no valid plan after %d attempt(s): %w", g.cfg.MaxAttempts, lastErr)
}

func (g *OpenAIGenerator) complete(ctx context.Context, messages []openai.ChatCompletionMessage) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       g.cfg.Model,
		Messages:    messages,
		Temperature: g.cfg.Temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}
	if g.cfg.MaxTokens > 0 {
		req.MaxCompletionTokens = g.cfg.MaxTokens
	}

	resp, err := g.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", engine.NewTransientError("plan generation request failed", err).
			WithCode(engine.ErrCodeConnectivity).
			WithOperation("generate_plan")
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", engine.NewPermanentError("plan generator returned no content", nil).
			WithOperation("generate_plan")
	}
	return resp.Choices[0].Message.Content, nil
}

// extractJSON strips a Markdown code fence around the answer, if present.
func extractJSON(answer string) string {
	s := strings.TrimSpace(answer)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	if end := strings.LastIndex(s, "```"); end >= 0 {
		s = s[:end]
	}
	return strings.TrimSpace(s)
}

func userPrompt(req bootstrap.PlanRequest) (string, error) {
	signals, err := json.MarshalIndent(req.Signals, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode project signals: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Target environment: %s\n", req.Environment)
	fmt.Fprintf(&b, "No stored pattern reached the detection threshold of %.2f.\n\n", req.Threshold)
	b.WriteString("Project signals:\n")
	b.Write(signals)
	b.WriteString("\n\nReply with a single deployment pattern as a JSON object.")
	return b.String(), nil
}

const systemPrompt = `You write deployment patterns for a deployment engine.
A pattern is a JSON object with these fields:
  id (lowercase, [a-z0-9._-]), name, version (semantic version),
  platformType, family (one of container-orchestration, container-runtime,
  serverless, virtual-machine, generic), description,
  authoritativeSources: [{url (http or https), priority}],
  deploymentPhases: [{order (from 1), name, commands: [{command, description,
    expectedExitCode, retryable, maxRetries, retryBackoffSeconds,
    timeoutSeconds, parallelizable, canFailSafely,
    creates: {type, name, namespace, cleanup}}]}],
  validationChecks: [{id, command, expectedExitCode,
    severity (critical, high, medium or low), remediation}],
  detectionHints: [{signal (file-exists with a glob pattern, or
    content-match with a regular expression and an optional file glob),
    pattern, file, weight (0 to 1)}].
Commands run in the project root with a POSIX shell. Prefer idempotent
commands, declare every resource a command creates, and give each
validation check a remediation of the form "fix: <command>" when a command
can repair the failure. Reply with the JSON object only.`
