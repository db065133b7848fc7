package chat

import (
	"context"
	"sync"
	"time"

	applog "personamem/internal/platform/log"
)

// Task 后台任务
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// TaskRunner 固定工作协程池上的后台任务执行器。
// 回复路径只负责入队，任务失败只记日志从不上抛；
// 队列满时丢弃新任务（所有任务都会被后续触发重试覆盖）。
type TaskRunner struct {
	queue   chan Task
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	timeout time.Duration
}

// TaskRunnerConfig 任务执行器配置
type TaskRunnerConfig struct {
	Workers     int           // 默认 4
	QueueSize   int           // 默认 256
	TaskTimeout time.Duration // 单个任务超时，默认 60s
}

// NewTaskRunner 创建并启动任务执行器
func NewTaskRunner(cfg TaskRunnerConfig) *TaskRunner {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.TaskTimeout == 0 {
		cfg.TaskTimeout = 60 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &TaskRunner{
		queue:   make(chan Task, cfg.QueueSize),
		cancel:  cancel,
		timeout: cfg.TaskTimeout,
	}

	for i := 0; i < cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker(ctx, i)
	}

	applog.Info("[Tasks] 🚀 Task runner started",
		"workers", cfg.Workers,
		"queue_size", cfg.QueueSize,
	)
	return r
}

// Enqueue 非阻塞入队。队列满时丢弃并告警，返回是否接受。
func (r *TaskRunner) Enqueue(task Task) bool {
	select {
	case r.queue <- task:
		return true
	default:
		applog.Warn("[Tasks] ⚠️ Queue full, task dropped", "task", task.Name)
		return false
	}
}

// Shutdown 停止接收并等待在途任务结束
func (r *TaskRunner) Shutdown() {
	r.cancel()
	close(r.queue)
	r.wg.Wait()
	applog.Info("[Tasks] Task runner stopped")
}

func (r *TaskRunner) worker(ctx context.Context, id int) {
	defer r.wg.Done()
	for task := range r.queue {
		if ctx.Err() != nil {
			return
		}

		taskCtx, cancel := context.WithTimeout(ctx, r.timeout)
		start := time.Now()
		if err := task.Run(taskCtx); err != nil {
			applog.Warn("[Tasks] ⚠️ Task failed",
				"worker", id,
				"task", task.Name,
				"error", err,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		} else {
			applog.Debug("[Tasks] Task finished",
				"worker", id,
				"task", task.Name,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		}
		cancel()
	}
}
