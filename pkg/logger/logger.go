package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/voice_bridge/pkg/callerr"
)

// StructuredLogger интерфейс для структурированного логирования
type StructuredLogger interface {
	// Основные методы логирования
	Trace(ctx context.Context, msg string, fields ...Field)
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)

	// LogError логирует ошибку, раскрывая поля *callerr.Error
	LogError(ctx context.Context, err error, msg string, fields ...Field)

	// Контекстные логгеры
	WithComponent(component string) StructuredLogger
	WithFields(fields ...Field) StructuredLogger

	// Управление уровнем логирования
	SetLevel(level string) error
	IsEnabled(level string) bool
}

// Field представляет поле лога
type Field struct {
	Key   string
	Value interface{}
}

// Helpers для создания полей
func String(key, value string) Field                 { return Field{key, value} }
func Int(key string, value int) Field                { return Field{key, value} }
func Int64(key string, value int64) Field            { return Field{key, value} }
func Bool(key string, value bool) Field              { return Field{key, value} }
func Duration(key string, value time.Duration) Field { return Field{key, value} }
func Time(key string, value time.Time) Field         { return Field{key, value} }
func Any(key string, value interface{}) Field        { return Field{key, value} }
func Err(err error) Field                            { return Field{logrus.ErrorKey, err} }

// ctxKey ключи значений контекста, попадающих в запись лога
type ctxKey string

const (
	sessionIDKey ctxKey = "session_id"
	callSIDKey   ctxKey = "call_sid"
)

// ContextWithSession сохраняет идентификаторы сессии в контексте
func ContextWithSession(ctx context.Context, sessionID, callSID string) context.Context {
	if sessionID != "" {
		ctx = context.WithValue(ctx, sessionIDKey, sessionID)
	}
	if callSID != "" {
		ctx = context.WithValue(ctx, callSIDKey, callSID)
	}
	return ctx
}

// Config настройки логгера
type Config struct {
	Level  string    // trace, debug, info, warn, error
	Format string    // json или text
	Output io.Writer // по умолчанию os.Stdout
}

// LogrusLogger реализация StructuredLogger поверх logrus
type LogrusLogger struct {
	base  *logrus.Logger
	entry *logrus.Entry
}

// New создает logger по конфигурации
func New(cfg Config) (*LogrusLogger, error) {
	base := logrus.New()
	base.SetOutput(os.Stdout)
	if cfg.Output != nil {
		base.SetOutput(cfg.Output)
	}

	switch strings.ToLower(cfg.Format) {
	case "", "json":
		base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	case "text":
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, &unknownFormatError{format: cfg.Format}
	}

	l := &LogrusLogger{base: base, entry: logrus.NewEntry(base)}
	level := cfg.Level
	if level == "" {
		level = "info"
	}
	if err := l.SetLevel(level); err != nil {
		return nil, err
	}
	return l, nil
}

type unknownFormatError struct{ format string }

func (e *unknownFormatError) Error() string {
	return "неизвестный формат логов: " + e.format
}

// Nop возвращает logger, который ничего не пишет
func Nop() StructuredLogger {
	base := logrus.New()
	base.SetOutput(io.Discard)
	base.SetLevel(logrus.PanicLevel)
	return &LogrusLogger{base: base, entry: logrus.NewEntry(base)}
}

// SetLevel устанавливает минимальный уровень логирования
func (l *LogrusLogger) SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	l.base.SetLevel(lvl)
	return nil
}

// IsEnabled проверяет, включен ли уровень логирования
func (l *LogrusLogger) IsEnabled(level string) bool {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return false
	}
	return l.base.IsLevelEnabled(lvl)
}

// WithComponent создает logger с указанным компонентом
func (l *LogrusLogger) WithComponent(component string) StructuredLogger {
	return &LogrusLogger{base: l.base, entry: l.entry.WithField("component", component)}
}

// WithFields создает logger с дополнительными полями
func (l *LogrusLogger) WithFields(fields ...Field) StructuredLogger {
	return &LogrusLogger{base: l.base, entry: l.entry.WithFields(toLogrus(fields))}
}

func (l *LogrusLogger) Trace(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, logrus.TraceLevel, msg, fields)
}

func (l *LogrusLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, logrus.DebugLevel, msg, fields)
}

func (l *LogrusLogger) Info(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, logrus.InfoLevel, msg, fields)
}

func (l *LogrusLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, logrus.WarnLevel, msg, fields)
}

func (l *LogrusLogger) Error(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, logrus.ErrorLevel, msg, fields)
}

// LogError логирует ошибку с дополнительной информацией
func (l *LogrusLogger) LogError(ctx context.Context, err error, msg string, fields ...Field) {
	if err == nil {
		l.Error(ctx, msg, fields...)
		return
	}

	errorFields := append(fields, Err(err))

	// Для callerr.Error добавляем категорию и код
	if ce, ok := callerr.As(err); ok {
		errorFields = append(errorFields,
			String("error_kind", ce.Kind.String()),
			String("error_code", ce.Code),
			Bool("retryable", ce.Retryable),
		)
		if ce.SessionID != "" {
			errorFields = append(errorFields, String("session_id", ce.SessionID))
		}
		if ce.ProviderCode != 0 {
			errorFields = append(errorFields, Int("provider_code", ce.ProviderCode))
		}
		for k, v := range ce.Fields {
			errorFields = append(errorFields, Any(k, v))
		}
	}

	l.log(ctx, logrus.ErrorLevel, msg, errorFields)
}

// log основной метод логирования
func (l *LogrusLogger) log(ctx context.Context, level logrus.Level, msg string, fields []Field) {
	if !l.base.IsLevelEnabled(level) {
		return
	}

	entry := l.entry
	if ctx != nil {
		entry = entry.WithContext(ctx)
		if v, ok := ctx.Value(sessionIDKey).(string); ok {
			entry = entry.WithField(string(sessionIDKey), v)
		}
		if v, ok := ctx.Value(callSIDKey).(string); ok {
			entry = entry.WithField(string(callSIDKey), v)
		}
	}
	if len(fields) > 0 {
		entry = entry.WithFields(toLogrus(fields))
	}
	entry.Log(level, msg)
}

func toLogrus(fields []Field) logrus.Fields {
	out := make(logrus.Fields, len(fields))
	for _, f := range fields {
		out[f.Key] = f.Value
	}
	return out
}
