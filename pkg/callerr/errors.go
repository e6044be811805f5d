package callerr

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind стабильная категория ошибки, видимая UI слою
type Kind string

const (
	// KindInvalidArgument некорректный или неизвестный идентификатор сессии/устройства
	KindInvalidArgument Kind = "InvalidArgument"
	// KindInvalidState операция недопустима в текущем состоянии приглашения или звонка
	KindInvalidState Kind = "InvalidState"
	// KindPermissionDenied не выдано разрешение устройства (например, микрофон)
	KindPermissionDenied Kind = "PermissionDenied"
	// KindProviderError сигнальный SDK отклонил операцию
	KindProviderError Kind = "ProviderError"
)

// String возвращает строковое представление категории
func (k Kind) String() string {
	return string(k)
}

// Коды ошибок
const (
	CodeSessionNotFound     = "SESSION_NOT_FOUND"
	CodeSessionGone         = "SESSION_GONE"
	CodeInvalidState        = "INVALID_STATE"
	CodeOperationInProgress = "OPERATION_IN_PROGRESS"
	CodeOrchestratorStopped = "ORCHESTRATOR_STOPPED"
	CodeDeviceNotFound      = "AUDIO_DEVICE_NOT_FOUND"
	CodeInvalidArgument     = "INVALID_ARGUMENT"
	CodeInvalidAccessToken  = "INVALID_ACCESS_TOKEN"
	CodePermissionDenied    = "PERMISSION_DENIED"
	CodeProvider            = "PROVIDER_ERROR"
	CodeAudioRoute          = "AUDIO_ROUTE_FAILED"
	CodeCommandTimeout      = "COMMAND_TIMEOUT"
	CodeCommandCanceled     = "COMMAND_CANCELED"
)

// PermissionDeniedProviderCode код, который SDK присваивает отказу в разрешении
const PermissionDeniedProviderCode = 31401

// Error структурированная ошибка команды или сессии
type Error struct {
	Kind    Kind   `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`

	SessionID    string `json:"session_id,omitempty"`
	ProviderCode int    `json:"provider_code,omitempty"`

	Timestamp time.Time              `json:"timestamp"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Cause     error                  `json:"-"`
	Retryable bool                   `json:"retryable"`
}

// Error реализует интерфейс error
func (e *Error) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("[%s:%s] %s (session: %s)", e.Kind, e.Code, e.Message, e.SessionID)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Kind, e.Code, e.Message)
}

// Unwrap позволяет использовать errors.Is и errors.As
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is сравнивает ошибки по категории и коду
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Code == "" || e.Code == t.Code)
}

// WithField добавляет поле контекста
func (e *Error) WithField(key string, value interface{}) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

// WithCause добавляет исходную ошибку
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithSession привязывает ошибку к сессии
func (e *Error) WithSession(sessionID string) *Error {
	e.SessionID = sessionID
	return e
}

// New создает новую ошибку
func New(kind Kind, code, message string) *Error {
	return &Error{
		Kind:      kind,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NotFound сессия с указанным идентификатором отсутствует в реестре
func NotFound(sessionID string) *Error {
	return New(KindInvalidArgument, CodeSessionNotFound,
		fmt.Sprintf("сессия %q не найдена", sessionID)).WithSession(sessionID)
}

// Gone сессия была удалена до разрешения операции
func Gone(sessionID string) *Error {
	return New(KindInvalidState, CodeSessionGone,
		"сессия больше не существует").WithSession(sessionID)
}

// InvalidState операция недопустима в текущем состоянии
func InvalidState(sessionID, operation, state string) *Error {
	return New(KindInvalidState, CodeInvalidState,
		fmt.Sprintf("нельзя выполнить '%s' в состоянии %s", operation, state)).
		WithSession(sessionID).
		WithField("operation", operation).
		WithField("state", state)
}

// InvalidArgument некорректный аргумент команды
func InvalidArgument(message string) *Error {
	return New(KindInvalidArgument, CodeInvalidArgument, message)
}

// PermissionDenied отказ в разрешении устройства; операцию можно повторить
func PermissionDenied(sessionID string, cause error) *Error {
	err := New(KindPermissionDenied, CodePermissionDenied, "разрешение не выдано").
		WithSession(sessionID).
		WithCause(cause)
	err.ProviderCode = PermissionDeniedProviderCode
	err.Retryable = true
	if cause != nil {
		err.Message = cause.Error()
	}
	return err
}

// Provider ошибка сигнального SDK с его кодом
func Provider(sessionID string, code int, message string, cause error) *Error {
	err := New(KindProviderError, CodeProvider, message).
		WithSession(sessionID).
		WithCause(cause)
	err.ProviderCode = code
	return err
}

// Interrupted ожидание команды прервано контекстом вызывающего. Исходная
// ошибка контекста доступна через errors.Is.
func Interrupted(sessionID string, cause error) *Error {
	code, message := CodeCommandCanceled, "ожидание команды отменено"
	if errors.Is(cause, context.DeadlineExceeded) {
		code, message = CodeCommandTimeout, "истекло время ожидания команды"
	}
	err := New(KindInvalidState, code, message).
		WithSession(sessionID).
		WithCause(cause)
	err.Retryable = true
	return err
}

// As извлекает *Error из цепочки ошибок
func As(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// KindOf возвращает категорию ошибки или пустую строку
func KindOf(err error) Kind {
	if ce, ok := As(err); ok {
		return ce.Kind
	}
	return ""
}

// IsKind проверяет категорию ошибки
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
