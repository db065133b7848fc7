package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"personamem/internal/app/chat"
	"personamem/internal/domain/memory"
	"personamem/internal/domain/rag"
)

// MemoryHandler 会话记忆 HTTP 处理器
type MemoryHandler struct {
	svc *chat.Service
}

// NewMemoryHandler 创建处理器
func NewMemoryHandler(svc *chat.Service) *MemoryHandler {
	return &MemoryHandler{svc: svc}
}

// RegisterRoutes 注册路由
func (h *MemoryHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1/conversations/{conversationID}", func(r chi.Router) {
		r.Get("/context", h.getContext)
		r.Post("/messages", h.postMessage)
		r.Post("/search", h.search)
		r.Post("/reindex", h.reindex)
	})
}

// getContext 返回会话当前模型上下文
func (h *MemoryHandler) getContext(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	msgs, err := h.svc.Context(r.Context(), conversationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type postMessageRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// postMessage 记录一条消息
func (h *MemoryHandler) postMessage(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	var msg *memory.Message
	var err error
	switch memory.Role(req.Role) {
	case memory.RoleUser:
		msg, err = h.svc.OnUserMessage(r.Context(), conversationID, req.Content)
	case memory.RoleAssistant:
		msg, err = h.svc.OnReply(r.Context(), conversationID, req.Content)
	case memory.RoleFunction:
		msg, err = h.svc.OnFunctionMessage(r.Context(), conversationID, req.Name, req.Content)
	default:
		writeError(w, http.StatusBadRequest, "role must be user, assistant or function")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

type searchRequest struct {
	Query               string     `json:"query"`
	TopK                int        `json:"top_k,omitempty"`
	SimilarityThreshold *float64   `json:"similarity_threshold,omitempty"`
	StartTime           *time.Time `json:"start_time,omitempty"`
	EndTime             *time.Time `json:"end_time,omitempty"`
}

// search 检索历史对话片段
func (h *MemoryHandler) search(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	results, err := h.svc.SearchPastChats(r.Context(), &rag.SearchRequest{
		ConversationID:      conversationID,
		Query:               req.Query,
		TopK:                req.TopK,
		SimilarityThreshold: req.SimilarityThreshold,
		StartTime:           req.StartTime,
		EndTime:             req.EndTime,
	})
	if err != nil {
		if errors.Is(err, rag.ErrEmbeddingUnavailable) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if results == nil {
		results = []rag.RetrievedChunk{}
	}
	writeJSON(w, http.StatusOK, results)
}

// reindex 全量重建会话索引
func (h *MemoryHandler) reindex(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")

	chunks, err := h.svc.ReindexConversation(r.Context(), conversationID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"chunks": chunks})
}
