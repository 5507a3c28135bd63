package jobstore

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/TimeWtr/jobstore/domain"
)

// ExecutorFunc 任务的执行方法
type ExecutorFunc func(ctx context.Context, bundle *domain.TriggerFiredBundle) error

// TypeResolver 把持久化的任务类型标识解析为执行方法
type TypeResolver interface {
	Resolve(jobType string) (ExecutorFunc, error)
}

// Registry 本地的执行器注册中心
type Registry struct {
	mu         sync.RWMutex
	execCenter map[string]ExecutorFunc
}

func NewRegistry() *Registry {
	return &Registry{execCenter: map[string]ExecutorFunc{}}
}

// Register 注册执行器方法，同名覆盖
func (r *Registry) Register(jobType string, fn ExecutorFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.execCenter[jobType] = fn
}

func (r *Registry) Resolve(jobType string) (ExecutorFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.execCenter[jobType]
	if !ok {
		return nil, errors.Wrapf(ErrCorruptJobData, "no executor registered for job type %q", jobType)
	}
	return fn, nil
}
