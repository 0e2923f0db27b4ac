package engine

import (
	"fmt"
)

// ErrorCode классифицирует ошибки движка
type ErrorCode int

const (
	// ErrorCodeCapacity достигнут лимит сессий, вызывающий может повторить позже
	ErrorCodeCapacity ErrorCode = iota + 2000
	// ErrorCodePrecondition операция вызвана в неподходящем состоянии сессии
	ErrorCodePrecondition
	// ErrorCodeResourceUnavailable нет звукового устройства или свободного RTP порта
	ErrorCodeResourceUnavailable
	// ErrorCodeNotFound сессии нет в хранилище
	ErrorCodeNotFound
	// ErrorCodeCryptoFailure не удалось сгенерировать ключ, сессия работает без аутентификации
	ErrorCodeCryptoFailure
	// ErrorCodeRegistryExhaustion нет свободных динамических номеров, инициализация невозможна
	ErrorCodeRegistryExhaustion
	// ErrorCodeNotInitialized движок остановлен или не создан
	ErrorCodeNotInitialized
	// ErrorCodeTransport ошибка внешнего транспорта
	ErrorCodeTransport
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeCapacity:
		return "Capacity"
	case ErrorCodePrecondition:
		return "Precondition"
	case ErrorCodeResourceUnavailable:
		return "ResourceUnavailable"
	case ErrorCodeNotFound:
		return "NotFound"
	case ErrorCodeCryptoFailure:
		return "CryptoFailure"
	case ErrorCodeRegistryExhaustion:
		return "RegistryExhaustion"
	case ErrorCodeNotInitialized:
		return "NotInitialized"
	case ErrorCodeTransport:
		return "Transport"
	default:
		return fmt.Sprintf("Unknown(%d)", int(c))
	}
}

// EngineError ошибка движка с кодом и идентификатором сессии
type EngineError struct {
	Code      ErrorCode
	Message   string
	SessionID string
	Wrapped   error
}

func (e *EngineError) Error() string {
	msg := e.Message
	if e.Wrapped != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Wrapped)
	}
	if e.SessionID != "" {
		return fmt.Sprintf("[engine:%s] сессия %s: %s", e.Code, e.SessionID, msg)
	}
	return fmt.Sprintf("[engine:%s] %s", e.Code, msg)
}

// Unwrap возвращает обернутую ошибку
func (e *EngineError) Unwrap() error {
	return e.Wrapped
}

// Is сравнивает ошибки по коду
func (e *EngineError) Is(target error) bool {
	if t, ok := target.(*EngineError); ok {
		return e.Code == t.Code
	}
	return false
}

// Сентинелы для errors.Is
var (
	ErrCapacity          = &EngineError{Code: ErrorCodeCapacity, Message: "достигнут лимит сессий"}
	ErrInvalidState      = &EngineError{Code: ErrorCodePrecondition, Message: "недопустимое состояние сессии"}
	ErrNoDevice          = &EngineError{Code: ErrorCodeResourceUnavailable, Message: "звуковое устройство недоступно"}
	ErrNoPort            = &EngineError{Code: ErrorCodeResourceUnavailable, Message: "нет свободного RTP порта"}
	ErrNotFound          = &EngineError{Code: ErrorCodeNotFound, Message: "сессия не найдена"}
	ErrCryptoFailure     = &EngineError{Code: ErrorCodeCryptoFailure, Message: "не удалось сгенерировать ключ"}
	ErrRegistryExhausted = &EngineError{Code: ErrorCodeRegistryExhaustion, Message: "нет свободных номеров payload type"}
	ErrNotInitialized    = &EngineError{Code: ErrorCodeNotInitialized, Message: "движок не инициализирован"}
	ErrTransport         = &EngineError{Code: ErrorCodeTransport, Message: "ошибка транспорта"}
)

func newError(code ErrorCode, sessionID, message string, wrapped error) *EngineError {
	return &EngineError{Code: code, Message: message, SessionID: sessionID, Wrapped: wrapped}
}
