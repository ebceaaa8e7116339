package domain

import (
	"errors"
	"fmt"
)

// 稳定的 error_code（写入 report / 对外响应）。
const (
	ErrCodeSourceUnreadable      = "source_unreadable"
	ErrCodeUnsupportedFormat     = "unsupported_format"
	ErrCodeEncodeFailed          = "encode_failed"
	ErrCodeWriteFailed           = "write_failed"
	ErrCodeManifestWriteFailed   = "manifest_write_failed"
	ErrCodeDuplicateOutput       = "duplicate_output"
	ErrCodeCacheProductionFailed = "cache_production_failed"
	ErrCodeDecodeFailed          = "decode_failed"
	ErrCodeFetchFailed           = "fetch_failed"
	ErrCodeMissingQualityTier    = "missing_quality_tier"
	ErrCodeToolUnavailable       = "tool_unavailable"
	ErrCodeAborted               = "aborted"
	ErrCodeConfigNotFound        = "config_not_found"
	ErrCodeConfigInvalid         = "config_invalid"
)

// Error 是带 error_code 的结构化错误。
// Subject 是出错对象（文件路径 / URL / basename），便于上层定位。
type Error struct {
	Code    string
	Subject string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Subject != "" && e.Err != nil:
		return fmt.Sprintf("%s：%s：%v", e.Code, e.Subject, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s：%v", e.Code, e.Err)
	case e.Subject != "":
		return fmt.Sprintf("%s：%s", e.Code, e.Subject)
	default:
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// NewError 构造 *Error（err 可为 nil）。
func NewError(code, subject string, err error) *Error {
	return &Error{Code: code, Subject: subject, Err: err}
}

// Code 从 error 链中提取 error_code；不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCode 判断 err 链中是否含有指定 code 的 *Error。
func IsCode(err error, code string) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Err
	}
	return false
}
