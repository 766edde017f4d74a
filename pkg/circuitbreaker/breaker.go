// Package circuitbreaker 熔断器，用于保护事件下游 (Redis / Kafka) 的调用
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen 熔断器打开
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State 熔断器状态
type State int

const (
	// StateClosed 正常
	StateClosed State = iota
	// StateOpen 熔断
	StateOpen
	// StateHalfOpen 尝试恢复
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config 熔断器配置
type Config struct {
	// FailureThreshold 连续失败多少次后打开
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
	// SuccessThreshold 半开状态下连续成功多少次后关闭
	SuccessThreshold int `yaml:"success_threshold" json:"success_threshold"`
	// OpenTimeout 打开后多久进入半开
	OpenTimeout time.Duration `yaml:"open_timeout" json:"open_timeout"`
	// MaxHalfOpenRequests 半开状态最大放行请求数
	MaxHalfOpenRequests int `yaml:"max_half_open_requests" json:"max_half_open_requests"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		OpenTimeout:         30 * time.Second,
		MaxHalfOpenRequests: 1,
	}
}

// StateChangeFunc 状态变化回调
type StateChangeFunc func(name string, from, to State)

// CircuitBreaker 熔断器
type CircuitBreaker struct {
	name     string
	config   Config
	now      func() time.Time
	onChange StateChangeFunc

	mu               sync.Mutex
	state            State
	failures         int
	successes        int
	openedAt         time.Time
	halfOpenRequests int
}

// Option 熔断器选项
type Option func(*CircuitBreaker)

// WithClock 替换时钟，测试使用
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// WithStateChange 设置状态变化回调 (在锁外调用)
func WithStateChange(fn StateChangeFunc) Option {
	return func(cb *CircuitBreaker) { cb.onChange = fn }
}

// New 创建熔断器
func New(name string, config *Config, opts ...Option) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.MaxHalfOpenRequests <= 0 {
		cfg.MaxHalfOpenRequests = def.MaxHalfOpenRequests
	}

	cb := &CircuitBreaker{
		name:   name,
		config: cfg,
		now:    time.Now,
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Name 熔断器名称
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// State 获取当前状态
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

// currentState 计算当前状态 (调用方持锁)
func (cb *CircuitBreaker) currentState() State {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.config.OpenTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// setState 切换状态并返回旧状态 (调用方持锁)
func (cb *CircuitBreaker) setState(to State) State {
	from := cb.state
	cb.state = to
	switch to {
	case StateOpen:
		cb.openedAt = cb.now()
		cb.successes = 0
		cb.halfOpenRequests = 0
	case StateClosed:
		cb.failures = 0
		cb.successes = 0
		cb.halfOpenRequests = 0
	case StateHalfOpen:
		cb.successes = 0
		cb.halfOpenRequests = 0
	}
	return from
}

func (cb *CircuitBreaker) notify(from, to State) {
	if cb.onChange != nil && from != to {
		cb.onChange(cb.name, from, to)
	}
}

// Allow 检查是否允许请求通过
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	from, to := cb.state, cb.state

	switch cb.currentState() {
	case StateOpen:
		cb.mu.Unlock()
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.state == StateOpen {
			from = cb.setState(StateHalfOpen)
			to = StateHalfOpen
		}
		if cb.halfOpenRequests >= cb.config.MaxHalfOpenRequests {
			cb.mu.Unlock()
			cb.notify(from, to)
			return ErrCircuitOpen
		}
		cb.halfOpenRequests++
	}
	cb.mu.Unlock()
	cb.notify(from, to)
	return nil
}

// Success 记录成功
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	from, to := cb.state, cb.state

	switch cb.currentState() {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		if cb.halfOpenRequests > 0 {
			cb.halfOpenRequests--
		}
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			from = cb.setState(StateClosed)
			to = StateClosed
		}
	}
	cb.mu.Unlock()
	cb.notify(from, to)
}

// Failure 记录失败
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	from, to := cb.state, cb.state

	switch cb.currentState() {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			from = cb.setState(StateOpen)
			to = StateOpen
		}
	case StateHalfOpen:
		from = cb.setState(StateOpen)
		to = StateOpen
	}
	cb.mu.Unlock()
	cb.notify(from, to)
}

// Execute 执行函数并自动记录结果
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}

	if err := fn(); err != nil {
		cb.Failure()
		return err
	}

	cb.Success()
	return nil
}

// Reset 重置熔断器
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.setState(StateClosed)
	cb.mu.Unlock()
	cb.notify(from, StateClosed)
}
