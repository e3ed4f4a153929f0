package fallback

import (
	"context"
	"errors"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patternforge/patternforge/pkg/bootstrap"
	"github.com/patternforge/patternforge/pkg/detector"
	"github.com/patternforge/patternforge/pkg/engine"
)

const validPlan = `{
  "id": "static-site",
  "name": "Static site",
  "version": "0.1.0",
  "platformType": "static-site",
  "family": "generic",
  "deploymentPhases": [
    {"order": 1, "name": "build", "commands": [{"command": "make build"}]}
  ],
  "validationChecks": [
    {"id": "index", "command": "test -f public/index.html", "severity": "critical", "remediation": "fix: make build"}
  ]
}`

type scriptedClient struct {
	answers []string
	err     error
	reqs    []openai.ChatCompletionRequest
}

func (c *scriptedClient) CreateChatCompletion(_ context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	c.reqs = append(c.reqs, req)
	if c.err != nil {
		return openai.ChatCompletionResponse{}, c.err
	}
	if len(c.answers) == 0 {
		return openai.ChatCompletionResponse{}, nil
	}
	answer := c.answers[0]
	c.answers = c.answers[1:]
	return openai.ChatCompletionResponse{Choices: []openai.ChatCompletionChoice{
		{Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: answer}},
	}}, nil
}

func request() bootstrap.PlanRequest {
	return bootstrap.PlanRequest{
		ProjectPath: "/src/site",
		Environment: "staging",
		Threshold:   0.6,
		Signals: &detector.Signals{
			Root:      "/src/site",
			FileCount: 2,
			Files:     []string{"Makefile", "public/about.html"},
			Manifests: []string{},
		},
	}
}

func TestGenerate_ParsesPlan(t *testing.T) {
	client := &scriptedClient{answers: []string{"```json\n" + validPlan + "\n```"}}
	g, err := NewOpenAIGenerator(Config{Model: "test-model"}, WithClient(client))
	require.NoError(t, err)

	p, err := g.Generate(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "static-site@0.1.0", p.Key().String())
	require.Len(t, p.ValidationChecks, 1)
	assert.Equal(t, "fix: make build", p.ValidationChecks[0].Remediation)

	require.Len(t, client.reqs, 1)
	req := client.reqs[0]
	assert.Equal(t, "test-model", req.Model)
	require.NotNil(t, req.ResponseFormat)
	assert.Equal(t, openai.ChatCompletionResponseFormatTypeJSONObject, req.ResponseFormat.Type)
	require.Len(t, req.Messages, 2)
	assert.Contains(t, req.Messages[1].Content, "public/about.html")
	assert.Contains(t, req.Messages[1].Content, "staging")
}

func TestGenerate_RetriesRejectedPlan(t *testing.T) {
	client := &scriptedClient{answers: []string{`{"id": "Bad ID"}`, validPlan}}
	g, err := NewOpenAIGenerator(Config{}, WithClient(client))
	require.NoError(t, err)

	p, err := g.Generate(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "static-site", p.ID)

	require.Len(t, client.reqs, 2)
	retry := client.reqs[1].Messages
	require.Len(t, retry, 4)
	assert.Equal(t, openai.ChatMessageRoleAssistant, retry[2].Role)
	assert.Contains(t, retry[3].Content, "rejected")
}

func TestGenerate_GivesUpAfterMaxAttempts(t *testing.T) {
	client := &scriptedClient{answers: []string{"not json", "still not json", validPlan}}
	g, err := NewOpenAIGenerator(Config{MaxAttempts: 2}, WithClient(client))
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), request())
	require.Error(t, err)
	assert.True(t, engine.HasCode(err, engine.ErrCodeValidation))
	assert.Len(t, client.reqs, 2)
}

func TestGenerate_RequestFailure(t *testing.T) {
	client := &scriptedClient{err: errors.New("connection refused")}
	g, err := NewOpenAIGenerator(Config{}, WithClient(client))
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), request())
	require.Error(t, err)
	assert.True(t, engine.IsTransient(err))
	assert.True(t, engine.HasCode(err, engine.ErrCodeConnectivity))
}

func TestGenerate_EmptyAnswer(t *testing.T) {
	g, err := NewOpenAIGenerator(Config{}, WithClient(&scriptedClient{}))
	require.NoError(t, err)

	_, err = g.Generate(context.Background(), request())
	assert.True(t, engine.IsPermanent(err))
}

func TestNewOpenAIGenerator_RequiresKey(t *testing.T) {
	_, err := NewOpenAIGenerator(Config{})
	assert.True(t, engine.HasCode(err, engine.ErrCodeValidation))

	g, err := NewOpenAIGenerator(Config{APIKey: "sk-test", BaseURL: "http://localhost:8080/v1"})
	require.NoError(t, err)
	assert.Equal(t, DefaultModel, g.cfg.Model)
}

func TestExtractJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, extractJSON(`  {"a":1} `))
	assert.Equal(t, `{"a":1}`, extractJSON("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, extractJSON("```\n{\"a\":1}```"))
}
