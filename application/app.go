// Package application 提供 quota 进程的启动框架
// Application 持有 samber/do 容器，负责 Setup → Running → Shutdown 生命周期
package application

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/KOMKZ/go-yogan-quota/di"
	"github.com/KOMKZ/go-yogan-quota/kafka"
	"github.com/KOMKZ/go-yogan-quota/limiter"
	"github.com/KOMKZ/go-yogan-quota/logger"
	"github.com/samber/do/v2"
	"go.uber.org/zap"
)

// AppState 应用状态
type AppState int

const (
	StateInit AppState = iota
	StateSetup
	StateRunning
	StateStopping
	StateStopped
)

// String 状态字符串表示
func (s AppState) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateSetup:
		return "Setup"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Application quota 应用
type Application struct {
	injector *do.RootScope

	logger      *logger.CtxZapLogger
	coordinator *limiter.Coordinator

	ctx    context.Context
	cancel context.CancelFunc
	state  AppState
	mu     sync.RWMutex
}

// New registers every provider; nothing is connected until Setup
func New(opts di.Options) *Application {
	ctx, cancel := context.WithCancel(context.Background())
	injector := do.New()
	di.RegisterProviders(injector, opts)

	return &Application{
		injector: injector,
		ctx:      ctx,
		cancel:   cancel,
		state:    StateInit,
	}
}

// Setup connects the store and builds the coordinator
func (a *Application) Setup() error {
	log, err := do.Invoke[*logger.CtxZapLogger](a.injector)
	if err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	a.logger = log
	a.setState(StateSetup)

	coord, err := do.Invoke[*limiter.Coordinator](a.injector)
	if err != nil {
		return fmt.Errorf("初始化限流协调器失败: %w", err)
	}
	a.coordinator = coord

	a.setState(StateRunning)
	return nil
}

// StartSubscriber joins the change topic; a no-op when kafka is disabled
func (a *Application) StartSubscriber() error {
	enabled, err := di.KafkaEnabled(a.injector)
	if err != nil {
		return err
	}
	if !enabled {
		a.log().InfoCtx(a.ctx, "kafka disabled, peer updates are not consumed")
		return nil
	}

	sub, err := do.Invoke[*kafka.Subscriber](a.injector)
	if err != nil {
		return fmt.Errorf("初始化 kafka 订阅失败: %w", err)
	}
	return sub.Start(a.ctx)
}

// Shutdown 优雅关闭
// samber/do 按依赖顺序反向关闭
func (a *Application) Shutdown(timeout time.Duration) error {
	a.setState(StateStopping)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	a.cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := a.injector.Shutdown(); err != nil {
			a.log().WarnCtx(ctx, "injector shutdown 失败", zap.Error(err))
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out after %s", timeout)
	}

	a.setState(StateStopped)
	logger.CloseAll()
	return nil
}

// WaitShutdown 等待 SIGINT/SIGTERM 或 Cancel
// 第二次信号立即强制退出
func (a *Application) WaitShutdown() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		a.log().InfoCtx(a.ctx, "Shutdown signal received", zap.String("signal", sig.String()))
		a.cancel()

		go func() {
			sig := <-quit
			a.log().WarnCtx(context.Background(), "⚠️  Second signal received, forcing exit!", zap.String("signal", sig.String()))
			os.Exit(1)
		}()
	case <-a.ctx.Done():
	}
}

// Cancel 手动触发关闭
func (a *Application) Cancel() {
	a.cancel()
}

// HealthCheck runs every instantiated service's health check
func (a *Application) HealthCheck() map[string]error {
	return a.injector.HealthCheck()
}

// Coordinator 限流协调器（Setup 后可用）
func (a *Application) Coordinator() *limiter.Coordinator {
	if a.coordinator == nil {
		panic("coordinator not initialized, please call Setup() first")
	}
	return a.coordinator
}

// Store returns the bucket store shared with the coordinator
func (a *Application) Store() (limiter.Store, error) {
	return do.Invoke[limiter.Store](a.injector)
}

// Logger 应用日志
func (a *Application) Logger() *logger.CtxZapLogger {
	return a.log()
}

// Injector 获取 samber/do 注入器
func (a *Application) Injector() *do.RootScope {
	return a.injector
}

// Context 应用上下文，Shutdown 或信号时取消
func (a *Application) Context() context.Context {
	return a.ctx
}

// State 当前状态（线程安全）
func (a *Application) State() AppState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Application) log() *logger.CtxZapLogger {
	if a.logger == nil {
		return logger.GetLogger("quota")
	}
	return a.logger
}

func (a *Application) setState(state AppState) {
	a.mu.Lock()
	old := a.state
	a.state = state
	a.mu.Unlock()

	a.log().DebugCtx(a.ctx, "State changed",
		zap.String("from", old.String()),
		zap.String("to", state.String()))
}
