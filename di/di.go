// Package di wires the quota components into a samber/do container.
//
// Providers are registered lazily by dependency layer:
//
//	Layer 0: config.Loader, instance ID
//	Layer 1: logger
//	Layer 2: redis.Manager, limiter.Store, telemetry.Manager
//	Layer 3: kafka.Publisher, limiter.Coordinator, kafka.Subscriber
//
// Components are created on first Invoke; injector.Shutdown closes them in reverse
// dependency order through their Shutdown methods.
package di

import "github.com/samber/do/v2"

// Injector 类型别名
type Injector = do.Injector

// RootScope 类型别名
type RootScope = do.RootScope

// New 创建新的根注入器
var New = do.New

// InstanceIDKey named value holding this process's broadcast identity
const InstanceIDKey = "quota.instance_id"

// ErrComponentNotFound 组件未找到错误
func ErrComponentNotFound(name string) error {
	return &ComponentNotFoundError{Name: name}
}

// ComponentNotFoundError 组件未找到错误类型
type ComponentNotFoundError struct {
	Name string
}

func (e *ComponentNotFoundError) Error() string {
	return "component not found: " + e.Name
}
