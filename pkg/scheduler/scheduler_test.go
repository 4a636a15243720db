package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rpcpool/pkg/logger"
)

func init() {
	logger.Init(logger.Config{Level: "error", Output: "discard"})
}

// MockJobExecutor 模拟任务执行器
type MockJobExecutor struct {
	mu           sync.Mutex
	executedJobs []string
	shouldError  bool
	errorMsg     string
}

func (m *MockJobExecutor) Execute(ctx context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executedJobs = append(m.executedJobs, job.Config.Name)
	if m.shouldError {
		return errors.New(m.errorMsg)
	}
	return nil
}

func (m *MockJobExecutor) executed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.executedJobs...)
}

func testJob(name string) JobConfig {
	return JobConfig{
		Name:     name,
		Enabled:  true,
		Schedule: "@every 1h",
	}
}

func TestNewJobScheduler(t *testing.T) {
	scheduler := NewJobScheduler()

	assert.NotNil(t, scheduler)
	assert.NotNil(t, scheduler.cron)
	assert.NotNil(t, scheduler.jobs)
	assert.NotNil(t, scheduler.logger)
	assert.NotNil(t, scheduler.ctx)
}

func TestValidateSchedule(t *testing.T) {
	tests := []struct {
		schedule    string
		expectError bool
	}{
		{"@every 30s", false},
		{"*/5 * * * * *", false},
		{"0 0 * * * *", false},
		{"", true},
		{"invalid-cron", true},
		{"@every banana", true},
	}

	for _, tt := range tests {
		t.Run(tt.schedule, func(t *testing.T) {
			err := ValidateSchedule(tt.schedule)
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestJobScheduler_AddJob(t *testing.T) {
	scheduler := NewJobScheduler()
	executor := &MockJobExecutor{}

	// 测试添加有效任务
	err := scheduler.AddJob(testJob("test-job"), executor)
	assert.NoError(t, err)

	// 验证任务已添加
	job, err := scheduler.GetJob("test-job")
	assert.NoError(t, err)
	assert.Equal(t, "test-job", job.Config.Name)
	assert.Equal(t, JobStatusPending, job.Status)
	assert.NotEmpty(t, job.ID)

	// 测试添加重复任务
	err = scheduler.AddJob(testJob("test-job"), executor)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "任务已存在")

	// 测试添加无效任务
	invalid := testJob("invalid-job")
	invalid.Schedule = "invalid-cron"
	assert.Error(t, scheduler.AddJob(invalid, executor))

	assert.Error(t, scheduler.AddJob(testJob(""), executor), "缺少任务名称")
	assert.Error(t, scheduler.AddJob(testJob("no-executor"), nil), "缺少执行器")
}

func TestJobScheduler_RemoveJob(t *testing.T) {
	scheduler := NewJobScheduler()

	err := scheduler.AddJob(testJob("test-job"), &MockJobExecutor{})
	require.NoError(t, err)

	// 测试移除存在的任务
	err = scheduler.RemoveJob("test-job")
	assert.NoError(t, err)

	// 验证任务已移除
	_, err = scheduler.GetJob("test-job")
	assert.Error(t, err)

	// 测试移除不存在的任务
	err = scheduler.RemoveJob("non-existent")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "任务不存在")
}

func TestJobScheduler_GetAllJobs(t *testing.T) {
	scheduler := NewJobScheduler()

	// 初始状态应该没有任务
	jobs := scheduler.GetAllJobs()
	assert.Len(t, jobs, 0)

	for i := 2; i >= 0; i-- {
		err := scheduler.AddJob(testJob(fmt.Sprintf("test-job-%d", i)), &MockJobExecutor{})
		require.NoError(t, err)
	}

	// 验证返回所有任务并按名称排序
	jobs = scheduler.GetAllJobs()
	require.Len(t, jobs, 3)
	assert.Equal(t, "test-job-0", jobs[0].Config.Name)

	// 验证返回的是副本，不会影响原始数据
	jobs[0].Status = JobStatusError
	originalJob, err := scheduler.GetJob("test-job-0")
	require.NoError(t, err)
	assert.NotEqual(t, JobStatusError, originalJob.Status)
}

func TestJobScheduler_RunJob(t *testing.T) {
	scheduler := NewJobScheduler()
	executor := &MockJobExecutor{}

	err := scheduler.AddJob(testJob("test-job"), executor)
	require.NoError(t, err)

	// 测试手动执行任务
	err = scheduler.RunJob("test-job")
	assert.NoError(t, err)

	assert.Eventually(t, func() bool {
		job, _ := scheduler.GetJob("test-job")
		return job.RunCount == 1 && job.Status == JobStatusPending
	}, time.Second, 10*time.Millisecond)
	assert.Contains(t, executor.executed(), "test-job")

	// 测试执行不存在的任务
	err = scheduler.RunJob("non-existent")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "任务不存在")

	// 测试执行禁用的任务
	disabled := testJob("disabled-job")
	disabled.Enabled = false
	require.NoError(t, scheduler.AddJob(disabled, executor))

	err = scheduler.RunJob("disabled-job")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "任务已禁用")
}

func TestJobScheduler_RunJobRecordsError(t *testing.T) {
	scheduler := NewJobScheduler()
	executor := &MockJobExecutor{shouldError: true, errorMsg: "探测失败"}
	require.NoError(t, scheduler.AddJob(testJob("failing"), executor))

	require.NoError(t, scheduler.RunJob("failing"))

	assert.Eventually(t, func() bool {
		job, _ := scheduler.GetJob("failing")
		return job.Status == JobStatusError && job.ErrorCount == 1
	}, time.Second, 10*time.Millisecond)

	job, _ := scheduler.GetJob("failing")
	assert.EqualError(t, job.LastError, "探测失败")
}

func TestJobScheduler_SkipsOverlappingRuns(t *testing.T) {
	scheduler := NewJobScheduler()

	release := make(chan struct{})
	var runs atomic.Int32
	slow := ExecutorFunc(func(ctx context.Context, job *Job) error {
		runs.Add(1)
		<-release
		return nil
	})
	require.NoError(t, scheduler.AddJob(testJob("slow"), slow))

	require.NoError(t, scheduler.RunJob("slow"))
	assert.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, scheduler.RunJob("slow"))
	assert.Eventually(t, func() bool {
		job, _ := scheduler.GetJob("slow")
		return job.SkipCount == 1
	}, time.Second, 5*time.Millisecond)

	close(release)
	assert.Equal(t, int32(1), runs.Load())
}

func TestJobScheduler_TimeoutApplied(t *testing.T) {
	scheduler := NewJobScheduler()

	deadline := make(chan time.Duration, 1)
	cfg := testJob("bounded")
	cfg.Timeout = 200 * time.Millisecond
	require.NoError(t, scheduler.AddJob(cfg, ExecutorFunc(func(ctx context.Context, job *Job) error {
		d, ok := ctx.Deadline()
		if !ok {
			deadline <- -1
			return nil
		}
		deadline <- time.Until(d)
		return nil
	})))

	require.NoError(t, scheduler.RunJob("bounded"))
	select {
	case d := <-deadline:
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, 200*time.Millisecond)
	case <-time.After(time.Second):
		t.Fatal("任务未执行")
	}
}

func TestJobScheduler_ScheduledExecution(t *testing.T) {
	scheduler := NewJobScheduler()
	var runs atomic.Int32
	cfg := testJob("tick")
	cfg.Schedule = "@every 1s"
	require.NoError(t, scheduler.AddJob(cfg, ExecutorFunc(func(ctx context.Context, job *Job) error {
		runs.Add(1)
		return nil
	})))

	require.NoError(t, scheduler.Start())
	defer scheduler.Stop()

	job, err := scheduler.GetJob("tick")
	require.NoError(t, err)
	assert.NotNil(t, job.NextRun)

	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
}

func TestJobScheduler_StartStop(t *testing.T) {
	scheduler := NewJobScheduler()
	require.NoError(t, scheduler.AddJob(testJob("test-job"), &MockJobExecutor{}))

	// 测试启动调度器
	err := scheduler.Start()
	assert.NoError(t, err)

	// 测试停止调度器
	err = scheduler.Stop()
	assert.NoError(t, err)

	job, err := scheduler.GetJob("test-job")
	require.NoError(t, err)
	assert.Equal(t, JobStatusStopped, job.Status)
}
