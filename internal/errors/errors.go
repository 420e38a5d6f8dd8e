// internal/errors/errors.go
package errors

import (
	"errors"
	"fmt"
)

// ErrorType 定义错误类型
type ErrorType string

const (
	// ErrorTypeValidation 输入校验失败（空标题、空剧本等）
	ErrorTypeValidation ErrorType = "validation_error"
	// ErrorTypeRemoteService 外部能力调用失败（文本分析/图像生成）
	ErrorTypeRemoteService ErrorType = "remote_service_error"
	// ErrorTypePersistence 存储读写失败
	ErrorTypePersistence ErrorType = "persistence_error"
	// ErrorTypeNotFound 聚合不存在
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeConflict 并发冲突（同一小说已有执行中的流水线）
	ErrorTypeConflict ErrorType = "conflict"
)

// AppError 应用程序错误结构
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap 实现错误链接
func (e *AppError) Unwrap() error {
	return e.Err
}

// RemoteServiceError 外部能力调用失败
// Retriable 标志贯穿到重试策略：超时与限流可重试，参数类错误不可重试
type RemoteServiceError struct {
	Service   string // "text_analysis" 或 "image_generation"
	Message   string
	Retriable bool
	Err       error
}

func (e *RemoteServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s服务调用失败: %s: %v", e.Service, e.Message, e.Err)
	}
	return fmt.Sprintf("%s服务调用失败: %s", e.Service, e.Message)
}

func (e *RemoteServiceError) Unwrap() error {
	return e.Err
}

// ReferentialMismatch 选角名无法解析到已有角色，始终非致命
// 该名字会从场景选角中剔除并记录，而不是让整次执行失败
type ReferentialMismatch struct {
	SceneTitle  string
	CastingName string
}

func (e *ReferentialMismatch) Error() string {
	return fmt.Sprintf("场景 %q 的选角 %q 未匹配到任何角色", e.SceneTitle, e.CastingName)
}

// NewValidationError 创建校验错误
func NewValidationError(message string) *AppError {
	return &AppError{Type: ErrorTypeValidation, Message: message}
}

// NewPersistenceError 创建存储错误
func NewPersistenceError(message string, err error) *AppError {
	return &AppError{Type: ErrorTypePersistence, Message: message, Err: err}
}

// NewNotFoundError 创建未找到错误
func NewNotFoundError(message string) *AppError {
	return &AppError{Type: ErrorTypeNotFound, Message: message}
}

// NewConflictError 创建冲突错误
func NewConflictError(message string) *AppError {
	return &AppError{Type: ErrorTypeConflict, Message: message}
}

// NewRemoteServiceError 创建外部服务错误
func NewRemoteServiceError(service, message string, retriable bool, err error) *RemoteServiceError {
	return &RemoteServiceError{Service: service, Message: message, Retriable: retriable, Err: err}
}

// IsValidationError 检查是否为校验错误
func IsValidationError(err error) bool {
	return isType(err, ErrorTypeValidation)
}

// IsPersistenceError 检查是否为存储错误
func IsPersistenceError(err error) bool {
	return isType(err, ErrorTypePersistence)
}

// IsNotFoundError 检查是否为未找到错误
func IsNotFoundError(err error) bool {
	return isType(err, ErrorTypeNotFound)
}

// IsConflictError 检查是否为冲突错误
func IsConflictError(err error) bool {
	return isType(err, ErrorTypeConflict)
}

// IsRemoteServiceError 检查是否为外部服务错误
func IsRemoteServiceError(err error) bool {
	var remoteErr *RemoteServiceError
	return errors.As(err, &remoteErr)
}

// IsRetriable 外部服务错误是否可重试
// 非 RemoteServiceError 一律视为不可重试
func IsRetriable(err error) bool {
	var remoteErr *RemoteServiceError
	if errors.As(err, &remoteErr) {
		return remoteErr.Retriable
	}
	return false
}

func isType(err error, t ErrorType) bool {
	var appError *AppError
	if errors.As(err, &appError) {
		return appError.Type == t
	}
	return false
}
