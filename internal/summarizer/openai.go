package summarizer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"
)

const (
	baseMaxOutputTokens  int64 = 512
	limitMaxOutputTokens int64 = 2048

	DefaultModel = openai.ChatModelGPT5Mini2025_08_07

	systemPrompt = `Write a headline for the Telegram post.

Rules:
- One line, at most 15 words.
- Keep the core fact and critical context (dates, numbers, names).
- Neutral tone, no clickbait.
- No emojis, hashtags or links.
- No trailing period.
- Use the same language as the input.`
)

// OpenAISummarizer calls OpenAI's Responses API to produce headlines.
type OpenAISummarizer struct {
	client openai.Client
	model  string
}

// NewOpenAISummarizer builds a summarizer for model. An empty model selects
// DefaultModel. Extra options are passed to the OpenAI client.
func NewOpenAISummarizer(apiKey string, model string, opts ...option.RequestOption) *OpenAISummarizer {
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}

	return &OpenAISummarizer{
		client: openai.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...),
		model:  model,
	}
}

func (s *OpenAISummarizer) Summarize(
	ctx context.Context,
	input Input,
) (string, error) {
	text := strings.TrimSpace(input.Text)
	if text == "" {
		return "", errors.New("input is empty")
	}

	maxOutputTokens := baseMaxOutputTokens
	for {
		resp, err := s.client.Responses.New(ctx, responses.ResponseNewParams{
			Model:           s.model,
			ServiceTier:     responses.ResponseNewParamsServiceTierFlex,
			MaxOutputTokens: openai.Int(maxOutputTokens),
			Reasoning: responses.ReasoningParam{
				Effort: openai.ReasoningEffortLow,
			},
			Instructions: openai.String(systemPrompt),
			Input: responses.ResponseNewParamsInputUnion{
				OfString: openai.String(userPrompt(input.SourceURL, text)),
			},
		})
		if err != nil {
			return "", fmt.Errorf("do request: %w", err)
		}

		if resp.Status == "incomplete" {
			if resp.IncompleteDetails.Reason == "max_output_tokens" && maxOutputTokens < limitMaxOutputTokens {
				maxOutputTokens = min(maxOutputTokens*2, limitMaxOutputTokens)
				continue
			}
			return "", fmt.Errorf(
				"response is incomplete (reason = %s, maxOutputTokens = %d)",
				resp.IncompleteDetails.Reason,
				maxOutputTokens,
			)
		}

		headline := strings.Join(strings.Fields(resp.OutputText()), " ")
		if headline == "" {
			return "", fmt.Errorf("output text is missing (status = %s)", resp.Status)
		}
		return headline, nil
	}
}

func userPrompt(sourceURL string, text string) string {
	var b strings.Builder
	if sourceURL = strings.TrimSpace(sourceURL); sourceURL != "" {
		b.WriteString("Source:\n")
		b.WriteString(sourceURL)
		b.WriteString("\n")
	}
	b.WriteString("Content:\n")
	b.WriteString(text)

	return b.String()
}
