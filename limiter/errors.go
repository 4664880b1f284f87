package limiter

import "github.com/KOMKZ/go-yogan-quota/errcode"

// module code 30: quota
var (
	// ErrStoreUnavailable 远程存储不可用
	ErrStoreUnavailable = errcode.Register(errcode.New(30, 1, "quota", "error.quota.store_unavailable", "rate limit store unavailable"))

	// ErrUnknownIdentifier 未注册的限流标识
	ErrUnknownIdentifier = errcode.Register(errcode.New(30, 2, "quota", "error.quota.unknown_identifier", "unknown rate limit identifier"))

	// ErrInvalidRateLimit 限流配置无效
	ErrInvalidRateLimit = errcode.Register(errcode.New(30, 3, "quota", "error.quota.invalid_rate_limit", "invalid rate limit"))

	// ErrContention CAS 重试次数耗尽
	ErrContention = errcode.Register(errcode.New(30, 4, "quota", "error.quota.contention", "bucket update contention"))

	// ErrCorruptState 存储中的桶状态无法解析
	ErrCorruptState = errcode.Register(errcode.New(30, 5, "quota", "error.quota.corrupt_state", "corrupt bucket state"))

	// ErrInvalidConfig 限流组件配置无效
	ErrInvalidConfig = errcode.Register(errcode.New(30, 6, "quota", "error.quota.invalid_config", "invalid limiter config"))
)
