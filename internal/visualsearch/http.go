package visualsearch

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/cardflow/internal/model"
	"github.com/sells-group/cardflow/internal/resilience"
)

// HTTP calls a generic image-similarity API:
//
//	POST {base}/v1/search  {"image": "<base64>", "limit": 1}
//	200 {"matches": [{"set": ..., "number": ..., "year": ..., "player": ..., "score": ...}]}
type HTTP struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTP creates an HTTP searcher throttled to rps requests per second.
// rps <= 0 disables throttling.
func NewHTTP(baseURL, apiKey string, rps float64) *HTTP {
	h := &HTTP{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{},
	}
	if rps > 0 {
		h.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
	}
	return h
}

type searchRequest struct {
	Image string `json:"image"`
	Limit int    `json:"limit"`
}

type searchResponse struct {
	Matches []searchMatch `json:"matches"`
}

type searchMatch struct {
	Set    string  `json:"set"`
	Number string  `json:"number"`
	Year   *int    `json:"year"`
	Player *string `json:"player"`
	Score  float64 `json:"score"`
}

// Search sends the image and returns the top match.
func (h *HTTP) Search(ctx context.Context, imagePath string) (*Match, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, eris.Wrapf(err, "visualsearch: read image %s", imagePath)
	}
	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "visualsearch: rate limit")
		}
	}

	body, err := json.Marshal(searchRequest{Image: base64.StdEncoding.EncodeToString(data), Limit: 1})
	if err != nil {
		return nil, eris.Wrap(err, "visualsearch: marshal request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/v1/search", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "visualsearch: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "visualsearch: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "visualsearch: read response")
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, ErrNotFound
	case http.StatusTooManyRequests:
		return nil, rateLimited()
	default:
		return nil, resilience.StatusError("visualsearch", resp.StatusCode, respBody)
	}

	var sr searchResponse
	if err := json.Unmarshal(respBody, &sr); err != nil {
		return nil, eris.Wrap(err, "visualsearch: unmarshal response")
	}
	if len(sr.Matches) == 0 || strings.TrimSpace(sr.Matches[0].Set) == "" {
		return nil, ErrNotFound
	}

	top := sr.Matches[0]
	m := &Match{
		Set:    strings.TrimSpace(top.Set),
		Number: strings.TrimSpace(top.Number),
		Score:  top.Score,
	}
	if top.Year != nil && *top.Year > 0 {
		m.Year = model.Some(*top.Year)
	}
	if top.Player != nil && strings.TrimSpace(*top.Player) != "" {
		m.Player = model.Some(strings.TrimSpace(*top.Player))
	}
	return m, nil
}
