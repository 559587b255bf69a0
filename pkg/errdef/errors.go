// Package errdef 定义全局错误分类 (Error Taxonomy)
// 调用方用 errors.Is 按"种类"分支，而不是解析错误文本
package errdef

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation 输入非法：未知的 artifact/branch/version、格式错误的版本号等
	ErrValidation = errors.New("validation error")

	// ErrConflict 乐观并发冲突 (CAS 失败) 或合并冲突
	ErrConflict = errors.New("conflict")

	// ErrNotFound 请求的记录不存在 (snapshot/version 缺失)
	ErrNotFound = errors.New("not found")

	// ErrStoreUnavailable 底层存储事务/传输失败
	// 多步操作中途遇到它时，整个事务回滚，不留半成品
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrPolicyBlocked 回滚被安全策略拒绝
	ErrPolicyBlocked = errors.New("blocked by policy")
)

// Validationf 构造一个携带上下文的 ValidationError
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Conflictf 构造一个携带上下文的 ConflictError
func Conflictf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

// NotFoundf 构造一个携带上下文的 NotFoundError
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// StoreUnavailablef 包装底层存储错误，保留原始错误链
func StoreUnavailablef(err error, op string) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

// PolicyBlockedf 构造一个携带触发警告的 PolicyBlocked 错误
func PolicyBlockedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPolicyBlocked, fmt.Sprintf(format, args...))
}
