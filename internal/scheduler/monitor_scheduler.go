package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/dushixiang/pinger/internal/protocol"
)

const (
	retryBackoffMin = 50 * time.Millisecond
	retryBackoffMax = time.Second

	DefaultShutdownGrace = 5 * time.Second
)

// Prober 执行单次探测
type Prober interface {
	Probe(ctx context.Context) protocol.Result
}

// Recorder 接收每一次探测结果
type Recorder interface {
	Record(result protocol.Result)
}

// Task 调度任务定义
type Task struct {
	ID          string        // 任务 ID，同一调度器内唯一
	Prober      Prober        // 探测器
	Interval    time.Duration // 探测间隔
	Retries     int           // 每个周期最多尝试次数
	Fingerprint string        // 配置指纹，变化时重建任务
}

// MonitorTask 调度中的任务
type MonitorTask struct {
	Task
	EntryID cron.EntryID // cron 任务的 ID
}

// TaskStatus 任务状态
type TaskStatus struct {
	ID          string    `json:"id"`
	Interval    string    `json:"interval"`
	Retries     int       `json:"retries"`
	NextRunTime time.Time `json:"nextRunTime"`
	PrevRunTime time.Time `json:"prevRunTime"`
}

// every 固定间隔调度，毫秒精度；首次调用立即触发
type every struct {
	interval time.Duration
	fired    atomic.Bool
}

func (e *every) Next(t time.Time) time.Time {
	if e.fired.CompareAndSwap(false, true) {
		return t
	}
	return t.Add(e.interval)
}

// cronLogger 把 cron 的日志转到 zap，cron 的 Info 日志过于频繁，降为 Debug
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}

// taskSlot 同一任务 ID 共用的 cron 任务，替换任务时只切换 task，串行保护随之保留
type taskSlot struct {
	task atomic.Pointer[MonitorTask]
	job  cron.Job
}

// MonitorScheduler 探测任务调度器
type MonitorScheduler struct {
	mu       sync.RWMutex
	cron     *cron.Cron
	chain    cron.Chain
	tasks    map[string]*MonitorTask // taskID -> MonitorTask
	slots    map[string]*taskSlot    // taskID -> taskSlot，删除任务后仍保留
	recorder Recorder
	grace    time.Duration
	logger   *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewMonitorScheduler 创建探测任务调度器，grace 为停止时等待运行中任务的最长时间
func NewMonitorScheduler(recorder Recorder, grace time.Duration, logger *zap.Logger) *MonitorScheduler {
	if grace <= 0 {
		grace = DefaultShutdownGrace
	}
	cl := cronLogger{sugar: logger.Named("cron").Sugar()}
	ctx, cancel := context.WithCancel(context.Background())
	return &MonitorScheduler{
		cron: cron.New(cron.WithLogger(cl)),
		// 同一任务的周期严格串行：上一周期未结束时跳过本次
		chain:    cron.NewChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		tasks:    make(map[string]*MonitorTask),
		slots:    make(map[string]*taskSlot),
		recorder: recorder,
		grace:    grace,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start 启动调度器
func (s *MonitorScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.cancel()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.logger.Info("启动探测任务调度器", zap.Int("tasks", s.GetTaskCount()))
	s.cron.Start()
}

// Stop 停止调度器，不再产生新的周期，并在 grace 时间内等待运行中的周期结束
func (s *MonitorScheduler) Stop() {
	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()
	cancel()

	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("探测任务调度器已停止")
	case <-time.After(s.grace):
		s.logger.Warn("等待探测任务结束超时", zap.Duration("grace", s.grace))
	}
}

// LoadTasks 按 ID 与配置指纹同步任务：新增、重建配置变化的、删除不存在的
func (s *MonitorScheduler) LoadTasks(tasks []Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existingTasks := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		existingTasks[task.ID] = true

		if current, exists := s.tasks[task.ID]; exists && current.Fingerprint == task.Fingerprint {
			continue
		}
		if err := s.addTaskLocked(task); err != nil {
			s.logger.Error("添加探测任务失败", zap.String("taskID", task.ID), zap.Error(err))
		}
	}

	for taskID := range s.tasks {
		if !existingTasks[taskID] {
			s.removeTaskLocked(taskID)
		}
	}
}

// AddTask 添加探测任务，ID 已存在时替换
func (s *MonitorScheduler) AddTask(task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addTaskLocked(task)
}

// addTaskLocked 添加探测任务（需要持有锁）
func (s *MonitorScheduler) addTaskLocked(task Task) error {
	if task.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if task.Prober == nil {
		return fmt.Errorf("task %s: prober is required", task.ID)
	}
	if task.Interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", task.ID)
	}
	if task.Retries < 1 {
		task.Retries = 1
	}

	if current, exists := s.tasks[task.ID]; exists {
		s.cron.Remove(current.EntryID)
		delete(s.tasks, task.ID)
	}

	mt := &MonitorTask{Task: task}
	slot := s.slotLocked(task.ID)
	slot.task.Store(mt)
	mt.EntryID = s.cron.Schedule(&every{interval: task.Interval}, slot.job)
	s.tasks[task.ID] = mt

	s.logger.Info("添加探测任务",
		zap.String("taskID", task.ID),
		zap.Duration("interval", task.Interval),
		zap.Int("retries", task.Retries))
	return nil
}

// slotLocked 返回任务 ID 对应的 slot，不存在时创建（需要持有锁）
//
// 旧任务的周期可能仍在运行，新任务沿用同一个 job，上一周期结束前的触发都会被跳过。
func (s *MonitorScheduler) slotLocked(taskID string) *taskSlot {
	if slot, exists := s.slots[taskID]; exists {
		return slot
	}
	slot := &taskSlot{}
	slot.job = s.chain.Then(cron.FuncJob(func() {
		if mt := slot.task.Load(); mt != nil {
			s.executeTask(mt)
		}
	}))
	s.slots[taskID] = slot
	return slot
}

// RemoveTask 删除探测任务
func (s *MonitorScheduler) RemoveTask(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeTaskLocked(taskID)
}

// removeTaskLocked 删除探测任务（需要持有锁）
func (s *MonitorScheduler) removeTaskLocked(taskID string) {
	if task, exists := s.tasks[taskID]; exists {
		s.cron.Remove(task.EntryID)
		delete(s.tasks, taskID)
		if slot, ok := s.slots[taskID]; ok {
			slot.task.Store(nil)
		}
		s.logger.Info("删除探测任务", zap.String("taskID", taskID))
	}
}

// executeTask 执行一个周期：失败时重试，直到出现非失败结果或用完次数，每次结果都会被记录
func (s *MonitorScheduler) executeTask(task *MonitorTask) {
	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()

	// 已开始的尝试不受停止影响，由探测器自身的超时兜底
	probeCtx := context.WithoutCancel(ctx)
	b := &backoff.Backoff{Min: retryBackoffMin, Max: retryBackoffMax, Factor: 2}

	var last protocol.Outcome
	for attempt := 1; attempt <= task.Retries; attempt++ {
		if ctx.Err() != nil {
			return
		}

		result := task.Prober.Probe(probeCtx)
		s.recorder.Record(result)
		last = result.Outcome()

		if last.Status == protocol.StatusTimeout {
			s.logger.Warn("探测超时", zap.String("taskID", task.ID), zap.Int("attempt", attempt))
			return
		}
		if !last.IsFailure() {
			s.logger.Debug("执行探测任务",
				zap.String("taskID", task.ID),
				zap.Int("attempt", attempt),
				zap.String("status", string(last.Status)),
				zap.Duration("latency", last.Latency))
			return
		}
		if attempt == task.Retries {
			break
		}

		s.logger.Debug("探测失败，准备重试",
			zap.String("taskID", task.ID),
			zap.Int("attempt", attempt),
			zap.String("reason", last.Reason))

		timer := time.NewTimer(b.Duration())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	s.logger.Warn("探测失败",
		zap.String("taskID", task.ID),
		zap.Int("attempts", task.Retries),
		zap.String("failureType", string(last.FailureType)),
		zap.String("reason", last.Reason))
}

// HasTask 任务是否已在调度且配置指纹一致
func (s *MonitorScheduler) HasTask(taskID, fingerprint string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, exists := s.tasks[taskID]
	return exists && task.Fingerprint == fingerprint
}

// GetTaskCount 获取任务数量
func (s *MonitorScheduler) GetTaskCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

// GetTaskStatus 获取任务状态，按 ID 排序
func (s *MonitorScheduler) GetTaskStatus() []TaskStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// 获取 cron 的所有条目
	entryMap := make(map[cron.EntryID]cron.Entry)
	for _, entry := range s.cron.Entries() {
		entryMap[entry.ID] = entry
	}

	statuses := make([]TaskStatus, 0, len(s.tasks))
	for _, task := range s.tasks {
		status := TaskStatus{
			ID:       task.ID,
			Interval: task.Interval.String(),
			Retries:  task.Retries,
		}
		if entry, exists := entryMap[task.EntryID]; exists {
			status.NextRunTime = entry.Next
			status.PrevRunTime = entry.Prev
		}
		statuses = append(statuses, status)
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].ID < statuses[j].ID
	})
	return statuses
}
