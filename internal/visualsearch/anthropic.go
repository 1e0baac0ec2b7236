package visualsearch

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cardflow/internal/config"
	"github.com/sells-group/cardflow/internal/model"
	"github.com/sells-group/cardflow/internal/resilience"
	"github.com/sells-group/cardflow/pkg/anthropic"
)

const identifyPrompt = `You identify sports trading cards from a photo of the card front.
Answer with a single JSON object and nothing else:
{"found": true|false, "year": <int or null>, "player": <string or null>, "set": <string or null>, "number": <string or null>}
Set "found" to false when you cannot name the card's set. Use the product name for "set", e.g. "Topps Chrome".`

// Anthropic identifies cards with a Claude vision model.
type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropic creates a searcher over an existing client.
func NewAnthropic(client anthropic.Client, modelID string, maxTokens int64) *Anthropic {
	if maxTokens <= 0 {
		maxTokens = 512
	}
	return &Anthropic{client: client, model: modelID, maxTokens: maxTokens}
}

// NewAnthropicFromKey creates a searcher with an SDK-backed client.
func NewAnthropicFromKey(cfg config.AnthropicConfig) *Anthropic {
	return NewAnthropic(anthropic.NewClient(cfg.Key), cfg.Model, cfg.MaxTokens)
}

type identifyAnswer struct {
	Found  bool    `json:"found"`
	Year   *int    `json:"year"`
	Player *string `json:"player"`
	Set    *string `json:"set"`
	Number *string `json:"number"`
}

// Search asks the model to identify the card.
func (a *Anthropic) Search(ctx context.Context, imagePath string) (*Match, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, eris.Wrapf(err, "visualsearch: read image %s", imagePath)
	}

	temp := 0.0
	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       a.model,
		MaxTokens:   a.maxTokens,
		System:      []anthropic.SystemBlock{{Text: identifyPrompt, CacheControl: &anthropic.CacheControl{TTL: "1h"}}},
		Temperature: &temp,
		Messages: []anthropic.Message{{
			Role:    "user",
			Content: "Identify this card.",
			Images:  []anthropic.Image{{MediaType: http.DetectContentType(data), Data: data}},
		}},
	})
	if err != nil {
		return nil, classify(err)
	}
	resp.Usage.LogCost(a.model, "visualsearch")

	answer, err := parseAnswer(resp.Text())
	if err != nil {
		return nil, err
	}
	if !answer.Found || answer.Set == nil || strings.TrimSpace(*answer.Set) == "" {
		return nil, ErrNotFound
	}

	m := &Match{Set: strings.TrimSpace(*answer.Set), Score: 1}
	if answer.Number != nil {
		m.Number = strings.TrimPrefix(strings.TrimSpace(*answer.Number), "#")
	}
	if answer.Year != nil && *answer.Year > 0 {
		m.Year = model.Some(*answer.Year)
	}
	if answer.Player != nil && strings.TrimSpace(*answer.Player) != "" {
		m.Player = model.Some(strings.TrimSpace(*answer.Player))
	}
	return m, nil
}

// parseAnswer pulls the first JSON object out of the model's reply.
func parseAnswer(text string) (identifyAnswer, error) {
	var ans identifyAnswer
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return ans, eris.Errorf("visualsearch: no JSON object in answer %q", text)
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &ans); err != nil {
		return ans, eris.Wrap(err, "visualsearch: unmarshal answer")
	}
	return ans, nil
}

func classify(err error) error {
	status := anthropic.StatusCode(err)
	switch {
	case status == http.StatusTooManyRequests:
		return rateLimited()
	case resilience.IsTransientHTTPStatus(status):
		return resilience.NewTransientError(err, status)
	default:
		return err
	}
}
