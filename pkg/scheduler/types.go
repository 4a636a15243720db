package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// JobConfig 定义单个任务的配置
type JobConfig struct {
	Name     string        `json:"name"`
	Enabled  bool          `json:"enabled"`
	Schedule string        `json:"schedule"`          // 六段 cron 表达式或 @every 描述符
	Timeout  time.Duration `json:"timeout,omitempty"` // 单次执行超时，0 表示使用默认值
}

// Job 表示一个运行中的任务
type Job struct {
	ID         string
	Config     JobConfig
	EntryID    cron.EntryID
	Status     JobStatus
	LastRun    *time.Time
	NextRun    *time.Time
	RunCount   int64
	ErrorCount int64
	SkipCount  int64 // 因上一次尚未结束而跳过的次数
	LastError  error

	executor JobExecutor
}

// JobStatus 任务状态
type JobStatus string

const (
	JobStatusPending  JobStatus = "pending"
	JobStatusRunning  JobStatus = "running"
	JobStatusStopped  JobStatus = "stopped"
	JobStatusError    JobStatus = "error"
	JobStatusDisabled JobStatus = "disabled"
)

// JobExecutor 任务执行器接口
type JobExecutor interface {
	Execute(ctx context.Context, job *Job) error
}

// ExecutorFunc 函数形式的任务执行器
type ExecutorFunc func(ctx context.Context, job *Job) error

// Execute 实现 JobExecutor 接口
func (f ExecutorFunc) Execute(ctx context.Context, job *Job) error {
	return f(ctx, job)
}

// JobScheduler 任务调度器接口
type JobScheduler interface {
	// 启动调度器
	Start() error

	// 停止调度器
	Stop() error

	// 添加任务，每个任务有自己的执行器
	AddJob(config JobConfig, executor JobExecutor) error

	// 移除任务
	RemoveJob(jobName string) error

	// 获取任务状态
	GetJob(jobName string) (*Job, error)

	// 获取所有任务
	GetAllJobs() []*Job

	// 手动执行任务
	RunJob(jobName string) error
}
