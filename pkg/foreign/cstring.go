// Package foreign 负责把宿主引擎持有的原始字节缓冲区转换为插件自己持有的字符串。
//
// 宿主传入的指针只在一次回调期间有效，所有读取都必须在回调返回前完成，
// 转换结果是深拷贝，与宿主内存不再有任何关系。
package foreign

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unicode/utf8"
	"unsafe"
)

// MaxTextLen 单个宿主字符串允许的最大长度，超过视为缺少结束符
const MaxTextLen = 64 * 1024

var (
	// ErrInvalidEncoding 宿主缓冲区内容不是合法的UTF-8
	ErrInvalidEncoding = errors.New("invalid encoding")
	// ErrNullPointer 宿主返回了空指针
	ErrNullPointer = errors.New("null pointer")
	// ErrScopeClosed 回调已经返回，借用的指针不再有效
	ErrScopeClosed = errors.New("scope closed")
	// ErrUnterminated 在 MaxTextLen 字节内没有找到结束符
	ErrUnterminated = errors.New("missing terminator")
)

// ConversionError 描述一次失败的转换
type ConversionError struct {
	Scope  string // 发生转换的回调名称
	Offset int    // 第一个非法字节的位置，-1 表示不适用
	Err    error
}

func (e *ConversionError) Error() string {
	if e.Offset >= 0 {
		return fmt.Sprintf("convert host text in %s: %v at byte %d", e.Scope, e.Err, e.Offset)
	}
	return fmt.Sprintf("convert host text in %s: %v", e.Scope, e.Err)
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

// IsPrecondition 判断错误是否属于宿主违反调用约定（空指针、作用域已关闭）
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrNullPointer) || errors.Is(err, ErrScopeClosed)
}

// Scope 代表一次回调调用，借用的宿主指针只在 Scope 关闭前可读
type Scope struct {
	name   string
	closed atomic.Bool
}

// NewScope 在回调入口创建作用域，回调返回前必须调用 Close
func NewScope(name string) *Scope {
	return &Scope{name: name}
}

// Name 返回回调名称
func (s *Scope) Name() string {
	return s.name
}

// Close 结束作用域，之后通过该作用域借用的指针都不能再转换
func (s *Scope) Close() {
	s.closed.Store(true)
}

// Alive 作用域是否仍然有效
func (s *Scope) Alive() bool {
	return !s.closed.Load()
}

// CString 借用的宿主字符串指针，只允许通过 ToOwnedText 拷贝出来一次性使用，
// 不能保存到任何比回调活得更久的结构里
type CString struct {
	ptr   unsafe.Pointer
	scope *Scope
}

// Borrow 把宿主返回的原始指针绑定到当前回调作用域
func Borrow(scope *Scope, ptr unsafe.Pointer) CString {
	return CString{ptr: ptr, scope: scope}
}

// IsNull 指针是否为空
func (c CString) IsNull() bool {
	return c.ptr == nil
}

// ToOwnedText 扫描结束符，校验UTF-8并返回一份独立的拷贝。
// 最多扫描 MaxTextLen 字节，更长的字符串即使编码合法也返回 ErrUnterminated。
// 失败时返回空字符串和 *ConversionError，不会返回部分结果。
func ToOwnedText(c CString) (string, error) {
	name := "unscoped"
	if c.scope != nil {
		name = c.scope.name
	}

	if c.scope == nil || !c.scope.Alive() {
		return "", &ConversionError{Scope: name, Offset: -1, Err: ErrScopeClosed}
	}
	if c.ptr == nil {
		return "", &ConversionError{Scope: name, Offset: -1, Err: ErrNullPointer}
	}

	raw, ok := scan(c.ptr, MaxTextLen)
	if !ok {
		return "", &ConversionError{Scope: name, Offset: -1, Err: ErrUnterminated}
	}

	if !utf8.Valid(raw) {
		return "", &ConversionError{Scope: name, Offset: firstInvalid(raw), Err: ErrInvalidEncoding}
	}

	// string(raw) 会复制数据，返回值不再引用宿主内存
	return string(raw), nil
}

// scan 是整个插件唯一解引用宿主指针的地方。
// 宿主保证指针在回调期间指向以0结尾的字节序列，ToOwnedText 已经确认
// 作用域仍然有效且指针非空，所以逐字节读取直到结束符是安全的；
// 返回的切片直接指向宿主内存，调用方必须在回调内拷贝。
func scan(ptr unsafe.Pointer, limit int) ([]byte, bool) {
	for n := 0; n <= limit; n++ {
		if *(*byte)(unsafe.Add(ptr, n)) == 0 {
			return unsafe.Slice((*byte)(ptr), n), true
		}
	}
	return nil, false
}

func firstInvalid(raw []byte) int {
	for i := 0; i < len(raw); {
		r, size := utf8.DecodeRune(raw[i:])
		if r == utf8.RuneError && size <= 1 {
			return i
		}
		i += size
	}
	return len(raw)
}
