package summarize

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/recmeet/recmeet/pkg/logger"
)

// RequestTimeout bounds one summarization call.
const RequestTimeout = 120 * time.Second

const systemPrompt = "You are a precise meeting summarizer. Produce a well-structured Markdown summary. " +
	"Use the exact section headings provided. Be thorough but concise. " +
	"If a section has no relevant content, write 'None identified.'"

const userPromptTemplate = `Summarize the following meeting transcript.

## Required Sections

### Overview
A 2-3 sentence high-level summary of what the meeting covered.

### Key Points
Bullet list of the most important topics discussed.

### Decisions
Bullet list of decisions that were made (who decided what).

### Action Items
Bullet list formatted as: **[Owner]** — task description (deadline if mentioned).

### Open Questions
Bullet list of unresolved questions or topics deferred to a future meeting.

### Participants
List of identifiable speakers/participants (if discernible from context).

---

## Transcript

%s
`

// ErrNoAPIKey indicates summarization was requested without a key.
var ErrNoAPIKey = errors.New("no API key: set XAI_API_KEY or api_key in config, or disable summaries")

// Summarizer turns a transcript into formatted text.
type Summarizer interface {
	Summarize(ctx context.Context, transcript string) (string, error)
}

// Ensure the chat client implements the interface
var _ Summarizer = (*Client)(nil)

// Client summarizes transcripts through an OpenAI-compatible
// chat-completions endpoint (xAI by default).
type Client struct {
	client openai.Client
	model  string
	logger *logger.Logger
}

// NewClient creates a summarization client. baseURL selects the provider;
// the xAI endpoint speaks the OpenAI wire format.
func NewClient(log *logger.Logger, apiKey, baseURL, model string) (*Client, error) {
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}
	return &Client{
		client: openai.NewClient(
			option.WithAPIKey(apiKey),
			option.WithBaseURL(baseURL),
			option.WithRequestTimeout(RequestTimeout),
		),
		model:  model,
		logger: log.Named("summarize"),
	}, nil
}

// Summarize sends the transcript for summarization and returns the
// formatted markdown.
func (c *Client) Summarize(ctx context.Context, transcript string) (string, error) {
	c.logger.Info("Requesting summary",
		logger.String("model", c.model),
		logger.Int("transcript_bytes", len(transcript)))

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(fmt.Sprintf(userPromptTemplate, transcript)),
		},
		Temperature: openai.Float(0.3),
		MaxTokens:   openai.Int(4096),
	})
	if err != nil {
		return "", fmt.Errorf("summarization request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("summarization returned no choices")
	}

	summary := strings.TrimSpace(resp.Choices[0].Message.Content)
	if summary == "" {
		return "", fmt.Errorf("summarization returned empty content")
	}
	return summary, nil
}
