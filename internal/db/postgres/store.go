package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"personamem/internal/domain/memory"
	"personamem/internal/domain/rag"
	applog "personamem/internal/platform/log"
)

// Config PostgreSQL 连接配置
type Config struct {
	URL             string
	MaxOpenConns    int           // 默认 20
	MaxIdleConns    int           // 默认 5
	ConnMaxLifetime time.Duration // 默认 30m
}

// Open 打开连接池并 PING 校验连通性
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 20
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	applog.Info("[Postgres] ✅ Connected", "max_open_conns", cfg.MaxOpenConns)
	return db, nil
}

// Store PostgreSQL 持久层。
// 实现消息、摘要、人设配置与分块元数据的全部存储接口。
type Store struct {
	db *sql.DB
}

// NewStore 创建持久层
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema 确保全部表结构存在
func (s *Store) EnsureSchema(ctx context.Context) error {
	applog.Info("[Postgres] Ensuring schema...")
	ddl := `
	CREATE TABLE IF NOT EXISTS ai_messages (
		id              BIGSERIAL PRIMARY KEY,
		conversation_id VARCHAR(255) NOT NULL,
		role            VARCHAR(32) NOT NULL,
		content         TEXT NOT NULL,
		name            VARCHAR(255) NOT NULL DEFAULT '',
		embed_index     BIGINT,
		created_at      TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_ai_messages_conv_id ON ai_messages(conversation_id, id);
	CREATE INDEX IF NOT EXISTS idx_ai_messages_unindexed ON ai_messages(conversation_id) WHERE embed_index IS NULL;

	CREATE TABLE IF NOT EXISTS ai_chat_summaries (
		id              BIGSERIAL PRIMARY KEY,
		conversation_id VARCHAR(255) NOT NULL,
		summary         TEXT NOT NULL,
		last_msg_id     BIGINT NOT NULL,
		created_at      TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_ai_chat_summaries_conv ON ai_chat_summaries(conversation_id, id DESC);

	CREATE TABLE IF NOT EXISTS chunk_metadata (
		id              BIGSERIAL PRIMARY KEY,
		conversation_id VARCHAR(255) NOT NULL,
		chunk_id        BIGINT NOT NULL,
		start_msg_id    BIGINT NOT NULL,
		end_msg_id      BIGINT NOT NULL,
		start_time      TIMESTAMP WITH TIME ZONE NOT NULL,
		end_time        TIMESTAMP WITH TIME ZONE NOT NULL,
		embedding       TEXT NOT NULL,
		created_at      TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		UNIQUE (conversation_id, chunk_id)
	);
	CREATE INDEX IF NOT EXISTS idx_chunk_metadata_conv ON chunk_metadata(conversation_id, chunk_id);
	CREATE INDEX IF NOT EXISTS idx_chunk_metadata_time ON chunk_metadata(conversation_id, start_time, end_time);

	CREATE TABLE IF NOT EXISTS persona_config (
		conversation_id VARCHAR(255) PRIMARY KEY,
		persona_name    VARCHAR(255) NOT NULL,
		updated_at      TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);
	`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		applog.Error("[Postgres] ❌ Failed to create schema", "error", err)
		return fmt.Errorf("ensure schema: %w", err)
	}
	applog.Info("[Postgres] ✅ Schema ready")
	return nil
}

// AppendMessage 追加一条消息，返回分配的 ID
func (s *Store) AppendMessage(ctx context.Context, conversationID string, msg *memory.Message) (int64, error) {
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO ai_messages (conversation_id, role, content, name, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		conversationID, msg.Role, msg.Content, msg.Name, createdAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}

	msg.ID = id
	msg.CreatedAt = createdAt
	return id, nil
}

// MessagesAfter 返回 ID 大于 afterID 的全部消息
func (s *Store) MessagesAfter(ctx context.Context, conversationID string, afterID int64) ([]memory.Message, error) {
	return s.queryMessages(ctx,
		`SELECT id, role, content, name, embed_index, created_at
		 FROM ai_messages
		 WHERE conversation_id = $1 AND id > $2
		 ORDER BY id`,
		conversationID, afterID,
	)
}

// UnindexedMessages 返回尚未索引的消息
func (s *Store) UnindexedMessages(ctx context.Context, conversationID string) ([]memory.Message, error) {
	return s.queryMessages(ctx,
		`SELECT id, role, content, name, embed_index, created_at
		 FROM ai_messages
		 WHERE conversation_id = $1 AND embed_index IS NULL
		 ORDER BY id`,
		conversationID,
	)
}

// AllMessages 返回会话的全部消息
func (s *Store) AllMessages(ctx context.Context, conversationID string) ([]memory.Message, error) {
	return s.queryMessages(ctx,
		`SELECT id, role, content, name, embed_index, created_at
		 FROM ai_messages
		 WHERE conversation_id = $1
		 ORDER BY id`,
		conversationID,
	)
}

// MessagesInRange 返回 ID 在 [startID, endID] 内的消息
func (s *Store) MessagesInRange(ctx context.Context, conversationID string, startID, endID int64) ([]memory.Message, error) {
	return s.queryMessages(ctx,
		`SELECT id, role, content, name, embed_index, created_at
		 FROM ai_messages
		 WHERE conversation_id = $1 AND id >= $2 AND id <= $3
		 ORDER BY id`,
		conversationID, startID, endID,
	)
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]memory.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []memory.Message
	for rows.Next() {
		var m memory.Message
		var embedIndex sql.NullInt64
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &m.Name, &embedIndex, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if embedIndex.Valid {
			v := embedIndex.Int64
			m.EmbedIndex = &v
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// LatestSummary 返回最新摘要，无摘要时返回 (nil, nil)
func (s *Store) LatestSummary(ctx context.Context, conversationID string) (*memory.Summary, error) {
	var sum memory.Summary
	err := s.db.QueryRowContext(ctx,
		`SELECT summary, last_msg_id, created_at
		 FROM ai_chat_summaries
		 WHERE conversation_id = $1
		 ORDER BY id DESC
		 LIMIT 1`,
		conversationID,
	).Scan(&sum.Text, &sum.LastMsgID, &sum.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest summary: %w", err)
	}
	return &sum, nil
}

// AppendSummary 追加一条摘要记录
func (s *Store) AppendSummary(ctx context.Context, conversationID string, summary *memory.Summary) error {
	createdAt := summary.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ai_chat_summaries (conversation_id, summary, last_msg_id, created_at)
		 VALUES ($1, $2, $3, $4)`,
		conversationID, summary.Text, summary.LastMsgID, createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}
	return nil
}

// PersonaName 返回会话的人设名称，未配置时返回空串
func (s *Store) PersonaName(ctx context.Context, conversationID string) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT persona_name FROM persona_config WHERE conversation_id = $1`,
		conversationID,
	).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query persona name: %w", err)
	}
	return name, nil
}

// SavePersonaName 保存人设名称（upsert）
func (s *Store) SavePersonaName(ctx context.Context, conversationID, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO persona_config (conversation_id, persona_name, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (conversation_id)
		 DO UPDATE SET persona_name = EXCLUDED.persona_name, updated_at = NOW()`,
		conversationID, name,
	)
	if err != nil {
		return fmt.Errorf("save persona name: %w", err)
	}
	return nil
}

// InsertChunk 原子插入分块并推进来源消息的水位。
// chunk_id 按会话单调递增；任一消息的水位已被其他分块占用时回滚。
func (s *Store) InsertChunk(ctx context.Context, conversationID string, draft *rag.ChunkDraft, embedding []float32) (int64, error) {
	embJSON, err := json.Marshal(embedding)
	if err != nil {
		return 0, fmt.Errorf("marshal embedding: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var chunkID int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(chunk_id) + 1, 0)
		 FROM chunk_metadata
		 WHERE conversation_id = $1`,
		conversationID,
	).Scan(&chunkID)
	if err != nil {
		return 0, fmt.Errorf("next chunk id: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO chunk_metadata
		 (conversation_id, chunk_id, start_msg_id, end_msg_id, start_time, end_time, embedding)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		conversationID, chunkID, draft.StartMsgID, draft.EndMsgID,
		draft.StartTime, draft.EndTime, string(embJSON),
	)
	if err != nil {
		return 0, fmt.Errorf("insert chunk: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE ai_messages
		 SET embed_index = $1
		 WHERE conversation_id = $2 AND id = ANY($3) AND embed_index IS NULL`,
		chunkID, conversationID, pq.Array(draft.MessageIDs),
	)
	if err != nil {
		return 0, fmt.Errorf("advance watermark: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("advance watermark: %w", err)
	}
	if affected != int64(len(draft.MessageIDs)) {
		applog.Error("[Postgres] ❌ Watermark mismatch, rolling back chunk",
			"conversation_id", conversationID,
			"chunk_id", chunkID,
			"expected", len(draft.MessageIDs),
			"affected", affected,
		)
		return 0, fmt.Errorf("%w: expected %d messages, updated %d",
			rag.ErrInconsistentWatermark, len(draft.MessageIDs), affected)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit chunk: %w", err)
	}
	return chunkID, nil
}

// ListChunks 返回会话的全部分块
func (s *Store) ListChunks(ctx context.Context, conversationID string) ([]rag.Chunk, error) {
	return s.queryChunks(ctx,
		`SELECT chunk_id, start_msg_id, end_msg_id, start_time, end_time, embedding
		 FROM chunk_metadata
		 WHERE conversation_id = $1
		 ORDER BY chunk_id`,
		conversationID,
	)
}

// ListChunksInRange 返回与时间区间有交集的分块。nil 端点表示不设界。
func (s *Store) ListChunksInRange(ctx context.Context, conversationID string, start, end *time.Time) ([]rag.Chunk, error) {
	query := `SELECT chunk_id, start_msg_id, end_msg_id, start_time, end_time, embedding
	 FROM chunk_metadata
	 WHERE conversation_id = $1`
	args := []any{conversationID}
	if start != nil {
		args = append(args, *start)
		query += fmt.Sprintf(" AND end_time >= $%d", len(args))
	}
	if end != nil {
		args = append(args, *end)
		query += fmt.Sprintf(" AND start_time <= $%d", len(args))
	}
	query += " ORDER BY chunk_id"
	return s.queryChunks(ctx, query, args...)
}

func (s *Store) queryChunks(ctx context.Context, query string, args ...any) ([]rag.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []rag.Chunk
	for rows.Next() {
		var c rag.Chunk
		var embJSON string
		if err := rows.Scan(&c.ChunkID, &c.StartMsgID, &c.EndMsgID, &c.StartTime, &c.EndTime, &embJSON); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		if err := json.Unmarshal([]byte(embJSON), &c.Embedding); err != nil {
			return nil, fmt.Errorf("unmarshal embedding for chunk %d: %w", c.ChunkID, err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// ResetChunks 删除会话全部分块并清空消息水位
func (s *Store) ResetChunks(ctx context.Context, conversationID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunk_metadata WHERE conversation_id = $1`, conversationID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE ai_messages SET embed_index = NULL WHERE conversation_id = $1`, conversationID); err != nil {
		return fmt.Errorf("reset watermarks: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reset: %w", err)
	}
	applog.Info("[Postgres] 🔄 Chunks reset", "conversation_id", conversationID)
	return nil
}
