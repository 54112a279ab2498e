package collaborator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketrelay/pkg/interfaces"
	"marketrelay/pkg/types"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(Config{
		BaseURL:         server.URL,
		ServiceToken:    "service-token",
		Timeout:         time.Second,
		MaxRetries:      2,
		InitialInterval: time.Millisecond,
	})
	require.NoError(t, err)
	return client
}

func TestNewClient_RejectsBadBaseURL(t *testing.T) {
	_, err := NewClient(Config{})
	assert.ErrorIs(t, err, ErrMissingBaseURL)

	_, err = NewClient(Config{BaseURL: "ftp://example.com"})
	assert.Error(t, err)
}

func TestClient_CreateMessage(t *testing.T) {
	var gotKey, gotAuth string
	var got types.NewMessage
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/chat/messages", r.URL.Path)
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		_ = json.NewEncoder(w).Encode(types.Message{
			ID:              "m-1",
			ClientMessageID: got.ClientMessageID,
			Room:            got.Room,
			Body:            got.Body,
			SenderID:        got.SenderID,
			SenderRole:      got.SenderRole,
			CreatedAt:       time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		})
	}))

	msg, err := client.CreateMessage(context.Background(), &types.NewMessage{
		ClientMessageID: "c-1",
		Room:            types.ConversationRoom("7"),
		Body:            "fresh eggs?",
		SenderID:        "b1",
		SenderRole:      types.RoleBuyer,
	})
	require.NoError(t, err)

	assert.Equal(t, "conversation:7/c-1", gotKey)
	assert.Equal(t, "Bearer service-token", gotAuth)
	assert.Equal(t, types.ConversationRoom("7"), got.Room)
	assert.Equal(t, "m-1", msg.ID)
	assert.Equal(t, types.ConversationRoom("7"), msg.Room)
	assert.Equal(t, "fresh eggs?", msg.Body)
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode([]types.Message{{ID: "m-1", Room: types.SupportRoom("42"), Body: "hi"}})
	}))

	msgs, err := client.ListMessages(context.Background(), types.SupportRoom("42"))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_GivesUpAfterRetryBudget(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))

	_, err := client.ListMessages(context.Background(), types.SupportRoom("42"))
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(3), calls.Load(), "first attempt plus two retries")
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad room", http.StatusBadRequest)
	}))

	_, err := client.ListMessages(context.Background(), types.SupportRoom("42"))
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_Unauthorized(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))

	err := client.HealthCheck(context.Background())
	assert.ErrorIs(t, err, interfaces.ErrUnauthorized)
}

func TestClient_ListMessagesQueryAndEmptyBody(t *testing.T) {
	var gotRoom string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRoom = r.URL.Query().Get("room")
		_, _ = w.Write([]byte("null"))
	}))

	msgs, err := client.ListMessages(context.Background(), types.RoleRoom(types.RoleFarmer, "17"))
	require.NoError(t, err)
	assert.NotNil(t, msgs)
	assert.Empty(t, msgs)
	assert.Equal(t, "role:farmer:17", gotRoom)
}

func TestClient_ActiveConversations(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat/active-conversations", r.URL.Path)
		require.Equal(t, "admin-1", r.URL.Query().Get("operator_id"))
		_ = json.NewEncoder(w).Encode([]types.ActiveChatSummary{{CounterpartID: "42", UnreadCount: 2}})
	}))

	listing, err := client.ListActiveConversations(context.Background(), "admin-1")
	require.NoError(t, err)
	require.Len(t, listing, 1)
	assert.Equal(t, "42", listing[0].CounterpartID)
	assert.Equal(t, 2, listing[0].UnreadCount)
}

func TestClient_ConversationParticipants(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/chat/conversations/7/participants":
			_ = json.NewEncoder(w).Encode(participantsResponse{Participants: []string{"b1", "f1"}})
		default:
			http.NotFound(w, r)
		}
	}))

	ids, err := client.ConversationParticipants(context.Background(), "7")
	require.NoError(t, err)
	assert.Equal(t, []string{"b1", "f1"}, ids)

	_, err = client.ConversationParticipants(context.Background(), "8")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestClient_CanceledContextStopsRetries(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := client.HealthCheck(ctx)
	assert.Error(t, err)
}

func TestClient_Close(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	require.NoError(t, client.HealthCheck(context.Background()))

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	assert.ErrorIs(t, client.HealthCheck(context.Background()), ErrClientClosed)
}
