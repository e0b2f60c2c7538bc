package chat

import (
	"context"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/allyhealth/companion/pkg/profile"
)

// scriptedClient returns a fixed completion and records the last request.
type scriptedClient struct {
	content string
	lastReq openai.ChatCompletionRequest
}

func (c *scriptedClient) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	c.lastReq = req
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: c.content}},
		},
	}, nil
}

func TestHandleTurn_PassesContextAndInput(t *testing.T) {
	client := &scriptedClient{content: "  That's great to hear!  "}
	llm := NewLLM(client, "")

	reply, err := llm.HandleTurn(context.Background(), "u1", "I slept well", "User profile:\n{}")
	require.NoError(t, err)
	assert.Equal(t, "That's great to hear!", reply)

	require.Len(t, client.lastReq.Messages, 2)
	assert.Contains(t, client.lastReq.Messages[1].Content, "User profile:")
	assert.Contains(t, client.lastReq.Messages[1].Content, "I slept well")
	assert.Equal(t, openai.GPT4oMini, client.lastReq.Model)
}

func TestDistill_ParsesFencedJSONArray(t *testing.T) {
	client := &scriptedClient{content: "```json\n[{\"type\":\"allergy\",\"display_text\":\"Allergic to penicillin\",\"evidence\":[\"no penicillin for me\"],\"ttl_days\":0}]\n```"}
	llm := NewLLM(client, "gpt-4o-mini")

	facts, err := llm.Distill(context.Background(), "User: I can't take penicillin\n")
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "allergy", facts[0].Type)
	assert.Equal(t, "Allergic to penicillin", facts[0].DisplayText)
	assert.Equal(t, []string{"no penicillin for me"}, facts[0].Evidence)
	assert.Equal(t, 0, facts[0].TTLDays)
}

func TestDistill_SurroundingProseTolerated(t *testing.T) {
	client := &scriptedClient{content: "Here are the facts:\n[{\"type\":\"info\",\"display_text\":\"Has a cat\",\"evidence\":[\"my cat\"],\"ttl_days\":365}]\nDone."}
	llm := NewLLM(client, "gpt-4o-mini")

	facts, err := llm.Distill(context.Background(), "transcript")
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "Has a cat", facts[0].DisplayText)
}

func TestDistill_MalformedOutputMeansNoFacts(t *testing.T) {
	for _, content := range []string{"", "no facts here", "[{broken json", "{\"not\":\"an array\"}"} {
		client := &scriptedClient{content: content}
		llm := NewLLM(client, "gpt-4o-mini")

		facts, err := llm.Distill(context.Background(), "transcript")
		require.NoError(t, err)
		assert.Empty(t, facts, "content %q", content)
	}
}

func TestDistill_EmptyTranscriptSkipsModelCall(t *testing.T) {
	client := &scriptedClient{content: "should not be used"}
	llm := NewLLM(client, "gpt-4o-mini")

	facts, err := llm.Distill(context.Background(), "   \n")
	require.NoError(t, err)
	assert.Empty(t, facts)
	assert.Empty(t, client.lastReq.Messages)
}

func TestProposeChanges_ParsesChangeSet(t *testing.T) {
	client := &scriptedClient{content: `{"add":{"health_status":{"allergies":["penicillin"]}},"remove":["life_events.old_appointment"]}`}
	llm := NewLLM(client, "gpt-4o-mini")

	cs, err := llm.ProposeChanges(context.Background(), profile.New("u1"), []Fact{{Type: "allergy", DisplayText: "Allergic to penicillin"}})
	require.NoError(t, err)
	assert.Contains(t, cs.Add[profile.CategoryHealthStatus], "allergies")
	assert.Equal(t, []string{"life_events.old_appointment"}, cs.Remove)
}

func TestProposeChanges_NoFactsSkipsModelCall(t *testing.T) {
	client := &scriptedClient{content: "should not be used"}
	llm := NewLLM(client, "gpt-4o-mini")

	cs, err := llm.ProposeChanges(context.Background(), profile.New("u1"), nil)
	require.NoError(t, err)
	assert.True(t, cs.Empty())
	assert.Empty(t, client.lastReq.Messages)
}

func TestProposeChanges_MalformedOutputMeansNoChanges(t *testing.T) {
	client := &scriptedClient{content: "{broken"}
	llm := NewLLM(client, "gpt-4o-mini")

	cs, err := llm.ProposeChanges(context.Background(), profile.New("u1"), []Fact{{DisplayText: "x"}})
	require.NoError(t, err)
	assert.True(t, cs.Empty())
}
