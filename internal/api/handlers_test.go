package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"palaver/internal/bus"
	"palaver/internal/chat"
	"palaver/internal/models"
	"palaver/internal/storage"
)

type staticPresence struct {
	online []string
}

func (p *staticPresence) SnapshotOnlineUsers(context.Context) ([]string, error) {
	return p.online, nil
}

func newTestAPI(t *testing.T) (*API, *storage.BboltStorage) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "api_test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(tmpDir) })

	store, err := storage.NewBboltStorage(filepath.Join(tmpDir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	presence := &staticPresence{online: []string{"u1", "u2"}}
	svc := chat.NewService(ctx, chat.ServiceConfig{
		Store:    store,
		Bus:      bus.NewMemoryBus(),
		Presence: presence,
	})
	return New(svc, presence, store), store
}

func postJSON(t *testing.T, handler http.HandlerFunc, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestMessageHandler(t *testing.T) {
	a, _ := newTestAPI(t)

	t.Run("InvalidBody", func(t *testing.T) {
		rec := postJSON(t, a.MessageHandler, "{not json")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("MissingContent", func(t *testing.T) {
		rec := postJSON(t, a.MessageHandler, `{"conversationId":"dm_u1_u2","senderId":"u1"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("UnknownConversation", func(t *testing.T) {
		rec := postJSON(t, a.MessageHandler, `{"conversationId":"group_nope","senderId":"u1","content":"hi"}`)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("DerivedDM", func(t *testing.T) {
		rec := postJSON(t, a.MessageHandler, `{"conversationId":"dm_u1_u2","senderId":"u1","content":"hi"}`)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp sendMessageResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.NotZero(t, resp.MessageID)
	})

	t.Run("SenderFromHeader", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/",
			strings.NewReader(`{"conversationId":"dm_u1_u2","content":"hi"}`))
		req.Header.Set("X-User-ID", "u1")
		rec := httptest.NewRecorder()
		a.MessageHandler(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestHistoryHandler(t *testing.T) {
	a, _ := newTestAPI(t)

	for i := 0; i < 25; i++ {
		rec := postJSON(t, a.MessageHandler,
			fmt.Sprintf(`{"conversationId":"dm_u1_u2","senderId":"u1","content":"msg %d"}`, i))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	get := func(query string) historyResponse {
		req := httptest.NewRequest(http.MethodGet, "/api/history?"+query, nil)
		rec := httptest.NewRecorder()
		a.HistoryHandler(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp historyResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		return resp
	}

	page1 := get("conversationId=dm_u1_u2&limit=20")
	require.Len(t, page1.History, 20)
	require.NotNil(t, page1.NextCursor)

	page2 := get(fmt.Sprintf("conversationId=dm_u1_u2&limit=20&cursor=%d", *page1.NextCursor))
	assert.Len(t, page2.History, 5)
	assert.Nil(t, page2.NextCursor)

	t.Run("MissingConversationID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/history", nil)
		rec := httptest.NewRecorder()
		a.HistoryHandler(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("BadCursor", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/history?conversationId=dm_u1_u2&cursor=abc", nil)
		rec := httptest.NewRecorder()
		a.HistoryHandler(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestGroupHandlers(t *testing.T) {
	a, _ := newTestAPI(t)

	t.Run("TooFewMembers", func(t *testing.T) {
		rec := postJSON(t, a.GroupHandler, `{"name":"team","memberIds":["u1"]}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("CreateAndList", func(t *testing.T) {
		rec := postJSON(t, a.GroupHandler, `{"name":"team","memberIds":["u1","u2"]}`)
		require.Equal(t, http.StatusCreated, rec.Code)

		var created createGroupResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
		require.NotEmpty(t, created.ConversationID)

		for _, member := range []string{"u1", "u2"} {
			req := httptest.NewRequest(http.MethodGet, "/api/groups?userId="+member, nil)
			listRec := httptest.NewRecorder()
			a.GroupsHandler(listRec, req)
			require.Equal(t, http.StatusOK, listRec.Code)

			var resp listGroupsResponse
			require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &resp))
			require.Len(t, resp.Groups, 1)
			assert.Equal(t, created.ConversationID, resp.Groups[0].ID)
			assert.Equal(t, models.ConversationTypeGroup, resp.Groups[0].Type)
		}
	})
}

func TestUsersHandler(t *testing.T) {
	a, store := newTestAPI(t)

	require.NoError(t, store.UpsertUser(models.User{ID: "u1", DisplayName: "Alice"}))

	req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
	rec := httptest.NewRecorder()
	a.UsersHandler(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var users []models.User
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &users))
	require.Len(t, users, 1)
	assert.Equal(t, "Alice", users[0].DisplayName)
}

func TestOnlineHandler(t *testing.T) {
	a, _ := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/api/online", nil)
	rec := httptest.NewRecorder()
	a.OnlineHandler(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.PresencePayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"u1", "u2"}, resp.OnlineUsers)
}

func TestPushSubscribeHandler(t *testing.T) {
	a, store := newTestAPI(t)

	t.Run("MissingEndpoint", func(t *testing.T) {
		rec := postJSON(t, a.PushSubscribeHandler, `{"userId":"u1","subscription":{}}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("Register", func(t *testing.T) {
		rec := postJSON(t, a.PushSubscribeHandler,
			`{"userId":"u1","subscription":{"endpoint":"https://push/1","keys":{"p256dh":"p","auth":"a"}}}`)
		require.Equal(t, http.StatusNoContent, rec.Code)

		subs, err := store.ListPushSubscriptions("u1")
		require.NoError(t, err)
		require.Len(t, subs, 1)
		assert.Equal(t, "https://push/1", subs[0].Endpoint)
	})
}
