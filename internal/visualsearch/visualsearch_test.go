package visualsearch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/cardflow/internal/config"
	"github.com/sells-group/cardflow/internal/resilience"
	"github.com/sells-group/cardflow/pkg/anthropic"
)

func writeImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "1234_0001_F.jpg")
	require.NoError(t, os.WriteFile(path, []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10, 'J', 'F', 'I', 'F'}, 0o644))
	return path
}

func TestNew(t *testing.T) {
	t.Parallel()

	s, err := New("http", config.VisualConfig{BaseURL: "http://localhost"}, config.AnthropicConfig{})
	require.NoError(t, err)
	assert.IsType(t, &HTTP{}, s)

	_, err = New("http", config.VisualConfig{}, config.AnthropicConfig{})
	assert.Error(t, err)

	s, err = New("anthropic", config.VisualConfig{}, config.AnthropicConfig{Key: "k", Model: "m"})
	require.NoError(t, err)
	assert.IsType(t, &Anthropic{}, s)

	_, err = New("anthropic", config.VisualConfig{}, config.AnthropicConfig{})
	assert.Error(t, err)

	s, err = New("none", config.VisualConfig{}, config.AnthropicConfig{})
	require.NoError(t, err)
	assert.Nil(t, s)

	_, err = New("magic", config.VisualConfig{}, config.AnthropicConfig{})
	assert.Error(t, err)
}

func TestHTTP_Search(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/search", r.URL.Path)
		assert.Equal(t, "Bearer vk", r.Header.Get("Authorization"))
		var req searchRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.NotEmpty(t, req.Image)
		assert.Equal(t, 1, req.Limit)

		_, _ = w.Write([]byte(`{"matches":[{"set":" Topps Chrome ","number":"150","year":2018,"player":null,"score":0.93}]}`))
	}))
	defer srv.Close()

	m, err := NewHTTP(srv.URL+"/", "vk", 0).Search(context.Background(), writeImage(t))
	require.NoError(t, err)
	assert.Equal(t, "Topps Chrome", m.Set)
	assert.Equal(t, "150", m.Number)
	assert.Equal(t, 2018, m.Year.OrElse(0))
	assert.False(t, m.Player.Present())
	assert.InDelta(t, 0.93, m.Score, 1e-9)
}

func TestHTTP_SearchErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    int
		body      string
		target    error
		transient bool
	}{
		{name: "404", status: http.StatusNotFound, target: ErrNotFound},
		{name: "empty matches", status: http.StatusOK, body: `{"matches":[]}`, target: ErrNotFound},
		{name: "rate limited", status: http.StatusTooManyRequests, target: ErrRateLimited, transient: true},
		{name: "server error", status: http.StatusBadGateway, transient: true},
		{name: "forbidden", status: http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := NewHTTP(srv.URL, "", 100).Search(context.Background(), writeImage(t))
			require.Error(t, err)
			if tt.target != nil {
				assert.True(t, errors.Is(err, tt.target), "got %v", err)
			}
			assert.Equal(t, tt.transient, resilience.IsTransient(err))
		})
	}
}

type mockClient struct {
	mock.Mock
}

func (m *mockClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func reply(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{Content: []anthropic.ContentBlock{{Type: "text", Text: text}}}
}

func TestAnthropic_Search(t *testing.T) {
	t.Parallel()

	mc := new(mockClient)
	mc.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == "claude-test" &&
			len(req.Messages) == 1 &&
			len(req.Messages[0].Images) == 1 &&
			req.Messages[0].Images[0].MediaType == "image/jpeg"
	})).Return(reply("Here you go:\n```json\n{\"found\": true, \"year\": 2018, \"player\": \"Shohei Ohtani\", \"set\": \"Topps Chrome\", \"number\": \"#150\"}\n```"), nil)

	m, err := NewAnthropic(mc, "claude-test", 0).Search(context.Background(), writeImage(t))
	require.NoError(t, err)
	assert.Equal(t, "Topps Chrome", m.Set)
	assert.Equal(t, "150", m.Number)
	assert.Equal(t, 2018, m.Year.OrElse(0))
	assert.Equal(t, "Shohei Ohtani", m.Player.OrElse(""))
	mc.AssertExpectations(t)
}

func TestAnthropic_SearchNotFound(t *testing.T) {
	t.Parallel()

	for _, text := range []string{
		`{"found": false, "year": null, "player": null, "set": null, "number": null}`,
		`{"found": true, "set": "  "}`,
	} {
		mc := new(mockClient)
		mc.On("CreateMessage", mock.Anything, mock.Anything).Return(reply(text), nil)
		_, err := NewAnthropic(mc, "claude-test", 256).Search(context.Background(), writeImage(t))
		assert.ErrorIs(t, err, ErrNotFound)
	}
}

func TestAnthropic_SearchMalformedAnswer(t *testing.T) {
	t.Parallel()

	mc := new(mockClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).Return(reply("I cannot tell."), nil)
	_, err := NewAnthropic(mc, "claude-test", 256).Search(context.Background(), writeImage(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no JSON object")
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestAnthropic_SearchAPIError(t *testing.T) {
	t.Parallel()

	mc := new(mockClient)
	mc.On("CreateMessage", mock.Anything, mock.Anything).Return(nil, errors.New("anthropic: create message: boom"))
	_, err := NewAnthropic(mc, "claude-test", 256).Search(context.Background(), writeImage(t))
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
}

func TestParseAnswer(t *testing.T) {
	t.Parallel()

	ans, err := parseAnswer(`{"found":true,"set":"Bowman","year":2011}`)
	require.NoError(t, err)
	assert.True(t, ans.Found)
	assert.Equal(t, 2011, *ans.Year)
	assert.Nil(t, ans.Player)

	_, err = parseAnswer(`{"found":`)
	assert.Error(t, err)
}
