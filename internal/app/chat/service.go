package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"personamem/internal/domain/memory"
	"personamem/internal/domain/rag"
	applog "personamem/internal/platform/log"
)

// Service 会话记忆门面。
// 写路径：消息先落持久层再进工作集；摘要与索引在回复完成后
// 由后台任务异步推进，不阻塞对话延迟。
type Service struct {
	store       memory.MessageStore
	ws          *memory.WorkingSetStore
	coordinator *memory.Coordinator
	indexer     *rag.Indexer
	retriever   *rag.Retriever
	tasks       *TaskRunner
}

// ServiceConfig 门面配置
type ServiceConfig struct {
	Store       memory.MessageStore
	WorkingSet  *memory.WorkingSetStore
	Coordinator *memory.Coordinator
	Indexer     *rag.Indexer
	Retriever   *rag.Retriever
	Tasks       *TaskRunner
}

// NewService 创建门面
func NewService(cfg ServiceConfig) *Service {
	return &Service{
		store:       cfg.Store,
		ws:          cfg.WorkingSet,
		coordinator: cfg.Coordinator,
		indexer:     cfg.Indexer,
		retriever:   cfg.Retriever,
		tasks:       cfg.Tasks,
	}
}

// Context 返回会话当前的模型上下文（系统提示词 + 摘要 + 近期消息）
func (s *Service) Context(ctx context.Context, conversationID string) ([]memory.Message, error) {
	return s.ws.Load(ctx, conversationID)
}

// OnUserMessage 记录一条用户消息：先持久层，再追加进工作集
func (s *Service) OnUserMessage(ctx context.Context, conversationID, content string) (*memory.Message, error) {
	return s.record(ctx, conversationID, memory.Message{
		Role:      memory.RoleUser,
		Content:   content,
		CreatedAt: time.Now(),
	})
}

// OnFunctionMessage 记录一条函数调用结果消息
func (s *Service) OnFunctionMessage(ctx context.Context, conversationID, name, content string) (*memory.Message, error) {
	return s.record(ctx, conversationID, memory.Message{
		Role:      memory.RoleFunction,
		Content:   content,
		Name:      name,
		CreatedAt: time.Now(),
	})
}

// OnReply 记录助手回复，并异步触发摘要检查与增量索引
func (s *Service) OnReply(ctx context.Context, conversationID, content string) (*memory.Message, error) {
	msg, err := s.record(ctx, conversationID, memory.Message{
		Role:      memory.RoleAssistant,
		Content:   content,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return nil, err
	}

	s.tasks.Enqueue(Task{
		Name: "summarize:" + conversationID,
		Run: func(taskCtx context.Context) error {
			err := s.coordinator.CheckAndSummarize(taskCtx, conversationID)
			if errors.Is(err, memory.ErrLockNotAcquired) {
				// 另一执行者已在摘要，视为成功
				return nil
			}
			return err
		},
	})
	s.tasks.Enqueue(Task{
		Name: "index:" + conversationID,
		Run: func(taskCtx context.Context) error {
			_, err := s.indexer.IndexNewMessages(taskCtx, conversationID)
			return err
		},
	})

	return msg, nil
}

// SearchPastChats 检索历史对话片段
func (s *Service) SearchPastChats(ctx context.Context, req *rag.SearchRequest) ([]rag.RetrievedChunk, error) {
	return s.retriever.Search(ctx, req)
}

// ReindexConversation 全量重建会话索引（运维入口）
func (s *Service) ReindexConversation(ctx context.Context, conversationID string) (int, error) {
	return s.indexer.ReindexAll(ctx, conversationID)
}

func (s *Service) record(ctx context.Context, conversationID string, msg memory.Message) (*memory.Message, error) {
	if _, err := s.store.AppendMessage(ctx, conversationID, &msg); err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}

	// 工作集追加失败只降级：缓存可随时从持久层重建
	if err := s.ws.Append(ctx, conversationID, msg); err != nil {
		applog.Warn("[Chat] ⚠️ Failed to append message to working set",
			"conversation_id", conversationID,
			"message_id", msg.ID,
			"error", err,
		)
	}
	return &msg, nil
}
