package anthropic

import (
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToSDKMessages_ImagesBeforeText(t *testing.T) {
	msgs := []Message{
		{
			Role:    "user",
			Content: "Identify this product",
			Images: []Image{
				{MediaType: "image/jpeg", Data: []byte{0xff, 0xd8}},
				{MediaType: "image/png", Data: []byte{0x89, 0x50}},
			},
		},
		{Role: "assistant", Content: "{"},
	}

	sdkMsgs := toSDKMessages(msgs)
	require.Len(t, sdkMsgs, 2)

	user := sdkMsgs[0]
	assert.Equal(t, sdk.MessageParamRoleUser, user.Role)
	require.Len(t, user.Content, 3)
	require.NotNil(t, user.Content[0].OfImage)
	require.NotNil(t, user.Content[0].OfImage.Source.OfBase64)
	assert.Equal(t, "/9g=", user.Content[0].OfImage.Source.OfBase64.Data)
	require.NotNil(t, user.Content[2].OfText)
	assert.Equal(t, "Identify this product", user.Content[2].OfText.Text)

	assert.Equal(t, sdk.MessageParamRoleAssistant, sdkMsgs[1].Role)
}

func TestToSDKMessages_UnknownRoleDefaultsToUser(t *testing.T) {
	sdkMsgs := toSDKMessages([]Message{{Role: "system", Content: "x"}})
	require.Len(t, sdkMsgs, 1)
	assert.Equal(t, sdk.MessageParamRoleUser, sdkMsgs[0].Role)
}

func TestFromSDKMessage(t *testing.T) {
	sdkMsg := &sdk.Message{
		ID:         "msg_test_123",
		Model:      "claude-sonnet-4-5-20250929",
		StopReason: "end_turn",
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "Hello world"},
			{Type: "text", Text: "Second block"},
		},
		Usage: sdk.Usage{InputTokens: 100, OutputTokens: 50},
	}

	resp := fromSDKMessage(sdkMsg)
	require.NotNil(t, resp)
	assert.Equal(t, "msg_test_123", resp.ID)
	assert.Equal(t, "end_turn", resp.StopReason)
	require.Len(t, resp.Content, 2)
	assert.Equal(t, "Hello world\nSecond block", resp.Text())
	assert.Equal(t, int64(100), resp.Usage.InputTokens)
}

func TestMessageResponseText_Nil(t *testing.T) {
	var resp *MessageResponse
	assert.Equal(t, "", resp.Text())
}

func TestTruncated(t *testing.T) {
	assert.True(t, (&MessageResponse{StopReason: "max_tokens"}).Truncated())
	assert.False(t, (&MessageResponse{StopReason: "end_turn"}).Truncated())
	var resp *MessageResponse
	assert.False(t, resp.Truncated())
}

func TestEstimateCost(t *testing.T) {
	million := TokenUsage{InputTokens: 1_000_000, OutputTokens: 1_000_000}
	tests := []struct {
		name  string
		usage TokenUsage
		model string
		want  float64
	}{
		{"haiku snapshot", million, "claude-haiku-4-5-20251001", 6.00},
		{"haiku alias", million, "claude-haiku-4-5", 6.00},
		{"sonnet", million, "claude-sonnet-4-5-20250929", 18.00},
		{"opus", million, "claude-opus-4-1", 90.00},
		{"cache", TokenUsage{
			InputTokens:              500_000,
			OutputTokens:             100_000,
			CacheCreationInputTokens: 200_000,
			CacheReadInputTokens:     300_000,
		}, "claude-haiku-4-5-20251001", 1.28},
		{"unknown", million, "unknown-model", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.usage.EstimateCost(tt.model), 0.001)
		})
	}
}

func TestLogCost_DoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		TokenUsage{InputTokens: 100, OutputTokens: 50}.LogCost("claude-haiku-4-5-20251001", "identify")
		TokenUsage{}.LogCost("unknown-model", "")
	})
}
