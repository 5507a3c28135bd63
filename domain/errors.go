package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrCorruptData 持久化的数据无法还原为领域对象
	ErrCorruptData = errors.New("corrupt persisted data")
	// ErrUnknownKind 未注册的调度或日历类型，同样属于无法还原的数据
	ErrUnknownKind = fmt.Errorf("unknown kind: %w", ErrCorruptData)
)
