// Package llm implements the grading collaborator on top of an
// OpenAI-compatible vision model.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/hoangtnm/gradepaper/internal/fileenc"
	"github.com/hoangtnm/gradepaper/internal/llm/prompts"
	"github.com/hoangtnm/gradepaper/internal/model"
)

// gradingInstruction is the text part sent after the answer-key and
// submission images.
const gradingInstruction = "Hãy chấm điểm bài làm của học sinh dựa trên đáp án đã cung cấp. Chú ý phân tích kỹ từng bước làm trong bài tự luận."

// responseContract describes the only shape the model may answer with. Any
// deviation is treated as a grading failure, never a partial result.
const responseContract = `Chỉ trả về MỘT đối tượng JSON duy nhất, không kèm văn bản nào khác, theo đúng cấu trúc:
{
  "studentName": "<tên học sinh tìm thấy trong bài làm; nếu không thấy, ghi 'Không xác định'>",
  "totalScore": <tổng điểm đạt được>,
  "maxTotalScore": <tổng điểm tối đa theo đáp án>,
  "questionScores": [
    {"questionId": "<số thứ tự câu, ví dụ 'Câu 1'>", "score": <điểm đạt được>, "maxScore": <điểm tối đa>, "feedback": "<nhận xét ngắn gọn>"}
  ],
  "generalFeedback": "<nhận xét tổng quát về bài làm>"
}`

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api     *openai.Client
	model   string
	variant prompts.PromptVariant
}

// New creates a grading client. variant must be a valid prompt variant.
func New(baseURL, apiKey, modelName, variant string) (*Client, error) {
	if !prompts.IsValidVariant(variant) {
		return nil, fmt.Errorf("invalid prompt variant: %s", variant)
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:     openai.NewClientWithConfig(config),
		model:   modelName,
		variant: prompts.PromptVariant(variant),
	}, nil
}

// Ping verifies the endpoint is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

// Grade sends the answer key and one submission to the model and returns the
// parsed grading result. The answer-key images come first, then the
// submission pages, then the instruction.
func (c *Client) Grade(ctx context.Context, answerKey, files []model.FileRecord) (*model.GradingResult, error) {
	systemPrompt, err := prompts.System(c.variant)
	if err != nil {
		return nil, err
	}

	parts := make([]openai.ChatMessagePart, 0, len(answerKey)+len(files)+1)
	for _, f := range answerKey {
		parts = append(parts, imagePart(f))
	}
	for _, f := range files {
		parts = append(parts, imagePart(f))
	}
	parts = append(parts, openai.ChatMessagePart{
		Type: openai.ChatMessagePartTypeText,
		Text: gradingInstruction,
	})

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt + "\n\n" + responseContract},
			{Role: openai.ChatMessageRoleUser, MultiContent: parts},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("grading API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("model returned no choices")
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("grading response", "model", c.model, "raw", raw)

	return ParseResult(raw)
}

// ParseResult parses a raw model response into a validated GradingResult.
func ParseResult(raw string) (*model.GradingResult, error) {
	var result model.GradingResult
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &result); err != nil {
		return nil, fmt.Errorf("parse grading response: %w (raw: %s)", err, raw)
	}
	if err := result.Validate(); err != nil {
		return nil, fmt.Errorf("grading response failed validation: %w", err)
	}
	return &result, nil
}

func imagePart(f model.FileRecord) openai.ChatMessagePart {
	return openai.ChatMessagePart{
		Type: openai.ChatMessagePartTypeImageURL,
		ImageURL: &openai.ChatMessageImageURL{
			URL: fileenc.DataURL(f),
		},
	}
}
