package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"palaver/internal/chat"
	"palaver/internal/models"
	"palaver/internal/push"
)

type presenceSnapshotter interface {
	SnapshotOnlineUsers(ctx context.Context) ([]string, error)
}

type rosterStore interface {
	ListUsers() ([]models.User, error)
	UpsertPushSubscription(sub push.Subscription) error
}

type API struct {
	chat     *chat.Service
	presence presenceSnapshotter
	store    rosterStore
}

func New(chatService *chat.Service, presence presenceSnapshotter, store rosterStore) *API {
	return &API{
		chat:     chatService,
		presence: presence,
		store:    store,
	}
}

type sendMessageRequest struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	SenderID       string `json:"senderId"`
}

type sendMessageResponse struct {
	MessageID uint64 `json:"messageId"`
	Timestamp int64  `json:"timestamp"`
}

func (a *API) MessageHandler(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.SenderID == "" {
		req.SenderID = r.Header.Get("X-User-ID")
	}

	msg, err := a.chat.SendMessage(r.Context(), req.ConversationID, req.SenderID, req.Content)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, sendMessageResponse{
		MessageID: msg.ID,
		Timestamp: msg.CreatedAt,
	})
}

type historyResponse struct {
	History    []models.Message `json:"history"`
	NextCursor *uint64          `json:"nextCursor"`
}

func (a *API) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversationId")

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	var cursor uint64
	if v := r.URL.Query().Get("cursor"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			http.Error(w, "Invalid cursor", http.StatusBadRequest)
			return
		}
		cursor = n
	}

	messages, nextCursor, err := a.chat.History(r.Context(), conversationID, limit, cursor)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := historyResponse{History: messages}
	if resp.History == nil {
		resp.History = []models.Message{}
	}
	if nextCursor != 0 {
		resp.NextCursor = &nextCursor
	}
	writeJSON(w, resp)
}

type createGroupRequest struct {
	Name      string   `json:"name"`
	MemberIDs []string `json:"memberIds"`
}

type createGroupResponse struct {
	ConversationID string `json:"conversationId"`
}

func (a *API) GroupHandler(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	group, err := a.chat.CreateGroup(r.Context(), req.Name, req.MemberIDs)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(createGroupResponse{ConversationID: group.ID}); err != nil {
		log.Printf("api: failed to encode response: %v", err)
	}
}

type listGroupsResponse struct {
	Groups []models.Conversation `json:"groups"`
}

func (a *API) GroupsHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		userID = r.Header.Get("X-User-ID")
	}

	groups, err := a.chat.ListGroups(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if groups == nil {
		groups = []models.Conversation{}
	}
	writeJSON(w, listGroupsResponse{Groups: groups})
}

func (a *API) UsersHandler(w http.ResponseWriter, r *http.Request) {
	users, err := a.store.ListUsers()
	if err != nil {
		writeError(w, err)
		return
	}
	if users == nil {
		users = []models.User{}
	}
	writeJSON(w, users)
}

func (a *API) OnlineHandler(w http.ResponseWriter, r *http.Request) {
	online, err := a.presence.SnapshotOnlineUsers(r.Context())
	if err != nil {
		// A tracker outage means everyone appears offline, not a failure.
		log.Printf("api: presence snapshot failed: %v", err)
		online = nil
	}
	if online == nil {
		online = []string{}
	}
	writeJSON(w, models.PresencePayload{OnlineUsers: online})
}

type pushSubscribeRequest struct {
	UserID       string `json:"userId"`
	Subscription struct {
		Endpoint string `json:"endpoint"`
		Keys     struct {
			P256dh string `json:"p256dh"`
			Auth   string `json:"auth"`
		} `json:"keys"`
	} `json:"subscription"`
}

func (a *API) PushSubscribeHandler(w http.ResponseWriter, r *http.Request) {
	var req pushSubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		req.UserID = r.Header.Get("X-User-ID")
	}
	if req.UserID == "" || req.Subscription.Endpoint == "" {
		http.Error(w, "userId and subscription endpoint are required", http.StatusBadRequest)
		return
	}

	err := a.store.UpsertPushSubscription(push.Subscription{
		UserID:   req.UserID,
		Endpoint: req.Subscription.Endpoint,
		P256dh:   req.Subscription.Keys.P256dh,
		Auth:     req.Subscription.Keys.Auth,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidArgument):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, models.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, models.ErrUnavailable):
		http.Error(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
	default:
		log.Printf("api: internal error: %v", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}
