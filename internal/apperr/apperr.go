// Package apperr содержит классы ошибок, общие для всех слоёв сервиса.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation возвращается при некорректных входных данных.
	ErrValidation = errors.New("validation error")
	// ErrNotFound возвращается, если запись не найдена.
	ErrNotFound = errors.New("not found")
	// ErrConflict возвращается при нарушении уникальности или недопустимом состоянии записи.
	ErrConflict = errors.New("conflict")
	// ErrForbidden возвращается, если вызывающий не владелец записи и не сотрудник.
	ErrForbidden = errors.New("forbidden")
	// ErrSignature возвращается при несовпадении подписи платежа или вебхука.
	ErrSignature = errors.New("signature mismatch")
	// ErrUpstream возвращается при ошибке обращения к платёжному шлюзу.
	ErrUpstream = errors.New("payment gateway error")
)

// Validation оборачивает ErrValidation сообщением.
func Validation(format string, args ...any) error {
	return wrap(ErrValidation, format, args...)
}

// NotFound оборачивает ErrNotFound сообщением.
func NotFound(format string, args ...any) error {
	return wrap(ErrNotFound, format, args...)
}

// Conflict оборачивает ErrConflict сообщением.
func Conflict(format string, args ...any) error {
	return wrap(ErrConflict, format, args...)
}

// Forbidden оборачивает ErrForbidden сообщением.
func Forbidden(format string, args ...any) error {
	return wrap(ErrForbidden, format, args...)
}

// Signature оборачивает ErrSignature сообщением.
func Signature(format string, args ...any) error {
	return wrap(ErrSignature, format, args...)
}

// Upstream оборачивает ErrUpstream и исходную ошибку шлюза.
func Upstream(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUpstream, op, err)
}

func wrap(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}
