package memory_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"personamem/internal/domain/memory"
)

var errBackendDown = errors.New("backend down")

// fakeCache 内存 KV 缓存，可注入整体故障
type fakeCache struct {
	mu   sync.Mutex
	data map[string]string
	down bool
	sets int
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[string]string)}
}

func (c *fakeCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return "", false, errBackendDown
	}
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *fakeCache) Set(_ context.Context, key, value string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return errBackendDown
	}
	c.data[key] = value
	c.sets++
	return nil
}

func (c *fakeCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.down {
		return errBackendDown
	}
	delete(c.data, key)
	return nil
}

// fakeMessageStore 内存消息存储，ID 从 1 单调递增
type fakeMessageStore struct {
	mu     sync.Mutex
	msgs   map[string][]memory.Message
	nextID int64
}

func newFakeMessageStore() *fakeMessageStore {
	return &fakeMessageStore{msgs: make(map[string][]memory.Message)}
}

func (s *fakeMessageStore) AppendMessage(_ context.Context, conversationID string, msg *memory.Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	msg.ID = s.nextID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	s.msgs[conversationID] = append(s.msgs[conversationID], *msg)
	return msg.ID, nil
}

func (s *fakeMessageStore) MessagesAfter(_ context.Context, conversationID string, afterID int64) ([]memory.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []memory.Message
	for _, m := range s.msgs[conversationID] {
		if m.ID > afterID {
			out = append(out, m)
		}
	}
	return out, nil
}

// fakeSummaryStore 内存摘要存储，可注入写入故障
type fakeSummaryStore struct {
	mu         sync.Mutex
	summaries  map[string][]memory.Summary
	failAppend bool
}

func newFakeSummaryStore() *fakeSummaryStore {
	return &fakeSummaryStore{summaries: make(map[string][]memory.Summary)}
}

func (s *fakeSummaryStore) LatestSummary(_ context.Context, conversationID string) (*memory.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.summaries[conversationID]
	if len(list) == 0 {
		return nil, nil
	}
	latest := list[len(list)-1]
	return &latest, nil
}

func (s *fakeSummaryStore) AppendSummary(_ context.Context, conversationID string, summary *memory.Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAppend {
		return errBackendDown
	}
	s.summaries[conversationID] = append(s.summaries[conversationID], *summary)
	return nil
}

// staticPrompt 固定系统提示词
type staticPrompt struct {
	content string
}

func (p *staticPrompt) SystemPrompt(context.Context, string) (memory.Message, error) {
	return memory.Message{Role: memory.RoleSystem, Content: p.content}, nil
}

// fakeSummaryProvider 内存摘要提供者
type fakeSummaryProvider struct {
	mu      sync.Mutex
	current map[string]string
}

func newFakeSummaryProvider() *fakeSummaryProvider {
	return &fakeSummaryProvider{current: make(map[string]string)}
}

func (p *fakeSummaryProvider) Current(_ context.Context, conversationID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current[conversationID], nil
}

func (p *fakeSummaryProvider) Set(_ context.Context, conversationID, summary string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current[conversationID] = summary
	return nil
}

// fakeLock 进程内互斥锁
type fakeLock struct {
	mu   sync.Mutex
	held map[string]bool
}

func newFakeLock() *fakeLock {
	return &fakeLock{held: make(map[string]bool)}
}

func (l *fakeLock) TryAcquire(_ context.Context, conversationID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[conversationID] {
		return false, nil
	}
	l.held[conversationID] = true
	return true, nil
}

func (l *fakeLock) Release(_ context.Context, conversationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, conversationID)
	return nil
}

// fakeGenerator 摘要生成器桩，记录收到的消息
type fakeGenerator struct {
	mu       sync.Mutex
	calls    int
	lastMsgs []memory.Message
	fail     bool
	entered  chan struct{} // 非 nil 时进入生成前发信号
	block    chan struct{} // 非 nil 时在生成前阻塞
}

func (g *fakeGenerator) Summarize(_ context.Context, prevSummary string, msgs []memory.Message) (string, error) {
	if g.entered != nil {
		g.entered <- struct{}{}
	}
	if g.block != nil {
		<-g.block
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fail {
		return "", memory.ErrSummarizationFailed
	}
	g.calls++
	g.lastMsgs = msgs
	return fmt.Sprintf("summary-v%d (prev=%q, msgs=%d)", g.calls, prevSummary, len(msgs)), nil
}

// fakeCounter 按字符数计数
type fakeCounter struct{}

func (fakeCounter) Count(text string) int { return len(text) }

// 构造一条用户消息 + 一条助手回复
func turnPair(id int64, topic string) []memory.Message {
	return []memory.Message{
		{ID: id, Role: memory.RoleUser, Content: "问：" + topic, CreatedAt: time.Now()},
		{ID: id + 1, Role: memory.RoleAssistant, Content: "答：" + topic, CreatedAt: time.Now()},
	}
}
