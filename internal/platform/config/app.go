package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// AppConfig 全局配置。启动时统一加载，再按模块提取使用。
type AppConfig struct {
	LogLevel  string         `json:"log_level"`
	LogFormat string         `json:"log_format"`
	Server    ServerConfig   `json:"server"`
	Database  DatabaseConfig `json:"database"`
	Redis     RedisConfig    `json:"redis"`
	OpenAI    OpenAIConfig   `json:"openai"`
	Memory    MemoryConfig   `json:"memory"`
	Summary   SummaryConfig  `json:"summary"`
	RAG       RAGConfig      `json:"rag"`
	Tasks     TasksConfig    `json:"tasks"`
}

type ServerConfig struct {
	Host                string `json:"host"`
	Port                int    `json:"port"`
	ReadTimeoutSeconds  int    `json:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `json:"write_timeout_seconds"`
}

type DatabaseConfig struct {
	URL                    string `json:"url"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type OpenAIConfig struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
}

// MemoryConfig 工作集与摘要触发配置
type MemoryConfig struct {
	TurnThreshold        int `json:"turn_threshold"`
	RemainingSize        int `json:"remaining_size"`
	TokenThreshold       int `json:"token_threshold"`
	WorkingSetTTLSeconds int `json:"working_set_ttl_seconds"`
	LockTTLSeconds       int `json:"lock_ttl_seconds"`
}

type SummaryConfig struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// RAGConfig 分块、向量化与检索配置
type RAGConfig struct {
	TurnsPerChunk       int     `json:"turns_per_chunk"`
	OverlapTurns        int     `json:"overlap_turns"`
	EmbeddingModel      string  `json:"embedding_model"`
	EmbeddingDims       int     `json:"embedding_dims"`
	TopK                int     `json:"top_k"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
	IndexCacheTTLHours  int     `json:"index_cache_ttl_hours"`
}

// TasksConfig 后台任务配置
type TasksConfig struct {
	Workers   int `json:"workers"`
	QueueSize int `json:"queue_size"`
}

// Default 返回默认配置。
func Default() *AppConfig {
	return &AppConfig{
		LogLevel:  "info",
		LogFormat: "text",
		Server: ServerConfig{
			Host:                "0.0.0.0",
			Port:                8080,
			ReadTimeoutSeconds:  30,
			WriteTimeoutSeconds: 60,
		},
		Database: DatabaseConfig{
			MaxOpenConns:           20,
			MaxIdleConns:           5,
			ConnMaxLifetimeSeconds: 1800,
		},
		OpenAI: OpenAIConfig{
			BaseURL: "https://api.openai.com/v1",
		},
		Memory: MemoryConfig{
			TurnThreshold:        10,
			RemainingSize:        4,
			WorkingSetTTLSeconds: 3600,
			LockTTLSeconds:       30,
		},
		Summary: SummaryConfig{
			Model:       "gpt-4o-mini",
			Temperature: 0.3,
			MaxTokens:   500,
		},
		RAG: RAGConfig{
			TurnsPerChunk:       4,
			OverlapTurns:        1,
			EmbeddingModel:      "text-embedding-3-small",
			EmbeddingDims:       1536,
			TopK:                3,
			SimilarityThreshold: 0.7,
			IndexCacheTTLHours:  24,
		},
		Tasks: TasksConfig{
			Workers:   4,
			QueueSize: 256,
		},
	}
}

// Load 加载全局配置：默认值 -> 配置文件 -> 环境变量。
// 配置文件路径通过 APP_CONFIG_FILE 指定（JSON）。
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		// .env 非必需，忽略错误
	}

	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("APP_CONFIG_FILE")); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	cfg.normalize()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read APP_CONFIG_FILE %q failed: %w", path, err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse APP_CONFIG_FILE %q failed: %w", path, err)
	}
	return nil
}

func (c *AppConfig) applyEnv() {
	applyString("LOG_LEVEL", &c.LogLevel)
	applyString("LOG_FORMAT", &c.LogFormat)

	applyString("HOST", &c.Server.Host)
	applyInt("PORT", &c.Server.Port)
	applyInt("SERVER_READ_TIMEOUT", &c.Server.ReadTimeoutSeconds)
	applyInt("SERVER_WRITE_TIMEOUT", &c.Server.WriteTimeoutSeconds)

	applyString("DATABASE_URL", &c.Database.URL)
	applyInt("DATABASE_MAX_OPEN_CONNS", &c.Database.MaxOpenConns)
	applyInt("DATABASE_MAX_IDLE_CONNS", &c.Database.MaxIdleConns)
	applyInt("DATABASE_CONN_MAX_LIFETIME", &c.Database.ConnMaxLifetimeSeconds)

	applyString("REDIS_URL", &c.Redis.URL)

	applyString("OPENAI_API_KEY", &c.OpenAI.APIKey)
	applyString("OPENAI_BASE_URL", &c.OpenAI.BaseURL)

	applyInt("MEMORY_TURN_THRESHOLD", &c.Memory.TurnThreshold)
	applyInt("MEMORY_REMAINING_SIZE", &c.Memory.RemainingSize)
	applyInt("MEMORY_TOKEN_THRESHOLD", &c.Memory.TokenThreshold)
	applyInt("MEMORY_WORKING_SET_TTL", &c.Memory.WorkingSetTTLSeconds)
	applyInt("MEMORY_LOCK_TTL", &c.Memory.LockTTLSeconds)

	applyString("SUMMARY_LLM_MODEL", &c.Summary.Model)
	applyFloat64("SUMMARY_TEMPERATURE", &c.Summary.Temperature)
	applyInt("SUMMARY_MAX_TOKENS", &c.Summary.MaxTokens)

	applyInt("RAG_TURNS_PER_CHUNK", &c.RAG.TurnsPerChunk)
	applyInt("RAG_OVERLAP_TURNS", &c.RAG.OverlapTurns)
	applyString("RAG_EMBEDDING_MODEL", &c.RAG.EmbeddingModel)
	applyInt("RAG_EMBEDDING_DIMS", &c.RAG.EmbeddingDims)
	applyInt("RAG_TOP_K", &c.RAG.TopK)
	applyFloat64("RAG_SIMILARITY_THRESHOLD", &c.RAG.SimilarityThreshold)
	applyInt("RAG_INDEX_CACHE_TTL_HOURS", &c.RAG.IndexCacheTTLHours)

	applyInt("TASKS_WORKERS", &c.Tasks.Workers)
	applyInt("TASKS_QUEUE_SIZE", &c.Tasks.QueueSize)
}

func (c *AppConfig) normalize() {
	if c.OpenAI.BaseURL == "" {
		c.OpenAI.BaseURL = "https://api.openai.com/v1"
	}
	if c.RAG.OverlapTurns >= c.RAG.TurnsPerChunk {
		c.RAG.OverlapTurns = c.RAG.TurnsPerChunk / 4
	}
}

func (c *AppConfig) validate() error {
	if strings.TrimSpace(c.Database.URL) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if strings.TrimSpace(c.Redis.URL) == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.Memory.RemainingSize >= c.Memory.TurnThreshold {
		return fmt.Errorf("MEMORY_REMAINING_SIZE (%d) must be less than MEMORY_TURN_THRESHOLD (%d)",
			c.Memory.RemainingSize, c.Memory.TurnThreshold)
	}
	return nil
}

func applyString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func applyInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func applyFloat64(key string, target *float64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			*target = n
		}
	}
}
