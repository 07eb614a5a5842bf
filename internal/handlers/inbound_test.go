package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailstate/internal/config"
	"mailstate/internal/conversations"
	"mailstate/internal/docstore"
)

func newInboundFixture(t *testing.T) (*config.Config, *conversations.Manager, docstore.Store) {
	t.Helper()
	cfg := &config.Config{
		ConversationTTLDays: 30,
		AppendMaxRetries:    3,
	}
	store := docstore.NewMemoryStore()
	manager, err := conversations.NewManager(cfg, store, zerolog.Nop())
	require.NoError(t, err)
	return cfg, manager, store
}

func postInbound(t *testing.T, handler echo.HandlerFunc, payload string) (*httptest.ResponseRecorder, InboundEmailResponse) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/emails", strings.NewReader(payload))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, handler(c))

	var response InboundEmailResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
	return rec, response
}

func TestProcessInboundEmail_CreatesAndAppends(t *testing.T) {
	cfg, manager, _ := newInboundFixture(t)
	handler := ProcessInboundEmail(cfg, manager, nil, nil, zerolog.Nop())

	payload := `{
		"message_id": "<orig@client.com>",
		"from": "Client <client@example.com>",
		"to": ["assistant@mailstate.local"],
		"subject": "Website project",
		"body": "We need a five page site.",
		"timestamp": "` + time.Now().UTC().Format(time.RFC3339) + `"
	}`

	rec, response := postInbound(t, handler, payload)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, response.Success)
	assert.NotEmpty(t, response.ConversationID)
	assert.True(t, strings.HasPrefix(response.ConversationID, "conv-"))
	assert.NotEmpty(t, response.EmailID)
	assert.Equal(t, int64(1), response.LastSeq)
	assert.Equal(t, "active", response.Status)
	assert.False(t, response.ReplySent)
}

func TestProcessInboundEmail_ReplyJoinsSameConversation(t *testing.T) {
	cfg, manager, store := newInboundFixture(t)
	handler := ProcessInboundEmail(cfg, manager, nil, nil, zerolog.Nop())

	_, first := postInbound(t, handler, `{
		"message_id": "<orig@client.com>",
		"from": "client@example.com",
		"subject": "Website project",
		"body": "We need a five page site."
	}`)
	require.True(t, first.Success)

	_, second := postInbound(t, handler, `{
		"message_id": "<reply@client.com>",
		"in_reply_to": "<orig@client.com>",
		"references": "<orig@client.com>",
		"from": "client@example.com",
		"subject": "Re: Website project",
		"body": "Also a contact form please."
	}`)
	require.True(t, second.Success)

	assert.Equal(t, first.ConversationID, second.ConversationID)
	assert.Equal(t, int64(2), second.LastSeq)

	all, err := store.Scan(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestProcessInboundEmail_RedeliveryIsIdempotent(t *testing.T) {
	cfg, manager, _ := newInboundFixture(t)
	handler := ProcessInboundEmail(cfg, manager, nil, nil, zerolog.Nop())

	payload := `{
		"message_id": "<orig@client.com>",
		"from": "client@example.com",
		"subject": "Website project",
		"body": "We need a five page site.",
		"timestamp": "2026-01-05T10:00:00Z"
	}`

	_, first := postInbound(t, handler, payload)
	_, second := postInbound(t, handler, payload)

	assert.Equal(t, first.ConversationID, second.ConversationID)
	assert.Equal(t, first.EmailID, second.EmailID)
	assert.Equal(t, int64(1), second.LastSeq, "redelivery must not bump the sequence")
}

func TestProcessInboundEmail_ValidationErrors(t *testing.T) {
	tests := []struct {
		name           string
		payload        string
		expectedStatus int
		expectedMsg    string
	}{
		{
			name:           "malformed json",
			payload:        `{"from": `,
			expectedStatus: http.StatusBadRequest,
			expectedMsg:    "Invalid request payload",
		},
		{
			name:           "missing from address",
			payload:        `{"message_id": "<x@y.com>", "body": "hi"}`,
			expectedStatus: http.StatusBadRequest,
			expectedMsg:    "from address is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, manager, _ := newInboundFixture(t)
			handler := ProcessInboundEmail(cfg, manager, nil, nil, zerolog.Nop())

			e := echo.New()
			req := httptest.NewRequest(http.MethodPost, "/api/emails", strings.NewReader(tt.payload))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			require.NoError(t, handler(c))
			assert.Equal(t, tt.expectedStatus, rec.Code)

			var response InboundEmailResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &response))
			assert.False(t, response.Success)
			assert.Equal(t, tt.expectedMsg, response.Message)
		})
	}
}

func TestProcessInboundEmail_AutomatedResponseFlagged(t *testing.T) {
	cfg, manager, _ := newInboundFixture(t)
	handler := ProcessInboundEmail(cfg, manager, nil, nil, zerolog.Nop())

	_, response := postInbound(t, handler, `{
		"message_id": "<auto@client.com>",
		"from": "client@example.com",
		"subject": "Out of Office: Website project",
		"body": "I am currently out of the office with limited email access."
	}`)
	require.True(t, response.Success)

	conv, err := manager.FetchConversation(context.Background(), response.ConversationID)
	require.NoError(t, err)
	require.Len(t, conv.EmailHistory, 1)
	assert.True(t, conv.EmailHistory[0].IsAutomated)
}
