package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"careline/internal/domain"
)

// OllamaClient extracts reminders and composes conversational replies
// through a local Ollama instance.
type OllamaClient struct {
	URL    string
	Model  string
	Client *http.Client
}

func NewOllamaClient(url, model string, timeout time.Duration) *OllamaClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OllamaClient{
		URL:    strings.TrimRight(url, "/"),
		Model:  model,
		Client: &http.Client{Timeout: timeout},
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
}

func (c *OllamaClient) generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{Model: c.Model, Prompt: prompt, Stream: false})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ollama status %d", resp.StatusCode)
	}
	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode ollama response: %w", err)
	}
	return strings.TrimSpace(out.Response), nil
}

// Ping verifies the model is loaded and answering. Called at startup so the
// bot does not accept messages before the model is warm.
func (c *OllamaClient) Ping(ctx context.Context) error {
	_, err := c.generate(ctx, "ping")
	return err
}

const extractPrompt = `Extract medical/health reminders from this message. If NO reminders are requested, respond with "NO_TASKS_FOUND".

For valid reminders, extract each in this format:
TASK_START
Task: [exact task name as user said it]
Time: [EXACT time as mentioned - do not convert or add explanations]
Urgency: [Relaxed/General/Urgent]
Category: [Medication/Exercise/Appointment/Other]
TASK_END

IMPORTANT:
- Keep the Time field EXACTLY as mentioned by the user
- Do NOT convert times - copy them exactly

Message: %q
`

var taskBlockRe = regexp.MustCompile(`(?s)TASK_START(.*?)TASK_END`)

// ExtractTasks asks the model to pull reminder drafts out of the message.
// Returns ErrParseFailure when the model produced no usable block, so the bot
// can ask the user to rephrase.
func (c *OllamaClient) ExtractTasks(ctx context.Context, text string, now time.Time) ([]TaskDraft, error) {
	raw, err := c.generate(ctx, fmt.Sprintf(extractPrompt, text))
	if err != nil {
		return nil, err
	}
	if strings.Contains(raw, "NO_TASKS_FOUND") {
		return nil, nil
	}
	drafts, err := ParseTaskBlocks(raw, now)
	if err != nil {
		return nil, err
	}
	return drafts, nil
}

// ParseTaskBlocks decodes TASK_START/TASK_END blocks from a model response.
// Blocks with an unparseable time are skipped; if nothing usable remains the
// result is ErrParseFailure.
func ParseTaskBlocks(raw string, now time.Time) ([]TaskDraft, error) {
	blocks := taskBlockRe.FindAllStringSubmatch(raw, -1)
	if len(blocks) == 0 {
		return nil, fmt.Errorf("%w: no task block in model output", ErrParseFailure)
	}
	var drafts []TaskDraft
	for _, block := range blocks {
		fields := map[string]string{}
		for _, line := range strings.Split(strings.TrimSpace(block[1]), "\n") {
			key, value, ok := strings.Cut(line, ":")
			if !ok {
				continue
			}
			fields[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
		}
		desc, rawTime := fields["task"], fields["time"]
		if desc == "" || rawTime == "" {
			continue
		}
		due, err := ParseTime(now, rawTime)
		if err != nil {
			continue
		}
		drafts = append(drafts, TaskDraft{
			Description: desc,
			RawTime:     rawTime,
			DueAt:       due,
			Category:    normalizeCategory(fields["category"]),
			UrgencyTier: normalizeTier(fields["urgency"]),
		})
	}
	if len(drafts) == 0 {
		return nil, fmt.Errorf("%w: no usable task block", ErrParseFailure)
	}
	return drafts, nil
}

func normalizeTier(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if domain.ValidTier(v) {
		return v
	}
	return domain.TierGeneral
}

func normalizeCategory(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if domain.ValidCategory(v) {
		return v
	}
	return domain.CategoryOther
}

const replyPrompt = `You are a helpful, empathetic health assistant. The user's name is %s.
Keep replies short, warm and practical. Do not invent reminders; only chat.

User: %s
Assistant:`

// Reply composes a conversational answer for messages that are not commands.
func (c *OllamaClient) Reply(ctx context.Context, userName, message string) (string, error) {
	return c.generate(ctx, fmt.Sprintf(replyPrompt, userName, message))
}
