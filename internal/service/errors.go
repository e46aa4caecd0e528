package service

import (
	"errors"
	"fmt"

	"github.com/habitlevel/internal/db"
)

var (
	// ErrNotFound 表示用户或习惯不存在
	ErrNotFound = errors.New("not found")
	// ErrValidation 表示调用参数不合法
	ErrValidation = errors.New("validation failed")
	// ErrTransient 表示存储层的临时失败，可在下一轮重试
	ErrTransient = errors.New("transient failure")

	// ErrUserNotFound 在指定用户不存在时返回
	ErrUserNotFound = fmt.Errorf("user %w", ErrNotFound)
	// ErrHabitNotFound 在指定习惯不存在或已停用时返回
	ErrHabitNotFound = fmt.Errorf("habit %w", ErrNotFound)
	// ErrInvalidDecrement 当完成次数已经为 0 时返回
	ErrInvalidDecrement = fmt.Errorf("%w: cannot decrement below 0", ErrValidation)
	// ErrInvalidTimezone 当时区不是合法 IANA 名称时返回
	ErrInvalidTimezone = fmt.Errorf("%w: invalid timezone", ErrValidation)
	// ErrInvalidHabit 当习惯参数超出范围时返回
	ErrInvalidHabit = fmt.Errorf("%w: invalid habit", ErrValidation)
	// ErrInvalidDirection 当打卡方向不是 increment/decrement 时返回
	ErrInvalidDirection = fmt.Errorf("%w: invalid direction", ErrValidation)
)

// transient 将存储层错误标记为临时失败，保留原始错误链
func transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
}

// notFoundOr 将存储层的 ErrNotFound 转换为领域错误
func notFoundOr(err, domainErr error, op string) error {
	if errors.Is(err, db.ErrNotFound) {
		return domainErr
	}
	return transient(op, err)
}
