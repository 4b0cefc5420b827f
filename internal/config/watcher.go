package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const reloadDebounce = 500 * time.Millisecond

// Watcher 监听配置文件变化，重新加载并通过回调通知
//
// 监听的是配置文件所在目录，编辑器以替换文件的方式保存时同样能收到事件。
// 新配置校验失败时保留当前配置，只记录日志。
type Watcher struct {
	mu       sync.Mutex
	path     string
	onChange func(*Config)
	logger   *zap.Logger
	watcher  *fsnotify.Watcher
	timer    *time.Timer
	inflight sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewWatcher 创建配置监听器
func NewWatcher(path string, onChange func(*Config), logger *zap.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("获取配置文件路径失败: %w", err)
	}
	return &Watcher{
		path:     abs,
		onChange: onChange,
		logger:   logger,
	}, nil
}

// Start 开始监听
func (w *Watcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("创建文件监控器失败: %w", err)
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("添加文件监控失败: %w", err)
	}

	w.watcher = watcher
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.watchLoop()

	w.logger.Info("开始监听配置文件", zap.String("path", w.path))
	return nil
}

// Stop 停止监听，并等待正在执行的回调结束
func (w *Watcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	w.inflight.Wait()
}

func (w *Watcher) watchLoop() {
	defer close(w.done)
	defer w.watcher.Close()

	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("配置文件监控错误", zap.Error(err))
		}
	}
}

// schedule 合并短时间内的多次写入事件
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(reloadDebounce, w.reload)
}

func (w *Watcher) reload() {
	// 与 Stop 互斥：取消之后不再有新的回调进入
	w.mu.Lock()
	if w.ctx.Err() != nil {
		w.mu.Unlock()
		return
	}
	w.inflight.Add(1)
	w.mu.Unlock()
	defer w.inflight.Done()

	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("重新加载配置失败，继续使用当前配置", zap.String("path", w.path), zap.Error(err))
		return
	}
	if w.ctx.Err() != nil {
		return
	}
	w.logger.Info("配置文件已更新", zap.String("path", w.path))
	w.onChange(cfg)
}
