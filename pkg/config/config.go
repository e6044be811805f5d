// Package config загружает настройки voice_bridge из переменных окружения.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/arzzra/voice_bridge/pkg/notification"
)

// Prefix префикс переменных окружения
const Prefix = "VOICE_BRIDGE_"

// LogConfig настройки логирования
type LogConfig struct {
	Level  string
	Format string
}

// HTTPConfig настройки моста к UI
type HTTPConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
}

// PushConfig настройки доставки push-сообщений через Redis
type PushConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	Channel  string
}

// CallConfig настройки звонков
type CallConfig struct {
	QueueSize          int
	ContactTemplate    string
	IncomingImportance notification.Importance
	ValidateTokens     bool
	AutoAnswer         time.Duration
	AppName            string
}

// Config настройки процесса
type Config struct {
	Log              LogConfig
	HTTP             HTTPConfig
	Push             PushConfig
	Call             CallConfig
	MetricsNamespace string
}

// Default настройки по умолчанию
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "json"},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 5 * time.Second,
		},
		Push: PushConfig{
			Addr:    "localhost:6379",
			Channel: "voice_bridge:push",
		},
		Call: CallConfig{
			QueueSize:          256,
			IncomingImportance: notification.ImportanceHigh,
			ValidateTokens:     true,
			AppName:            "Voice",
		},
		MetricsNamespace: "voice_bridge",
	}
}

// Load читает настройки. Файлы envFiles загружаются до чтения окружения
// и не перекрывают уже заданные переменные; отсутствующий файл пропускается.
func Load(envFiles ...string) (Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("загрузка %s: %w", f, err)
		}
	}

	c := Default()
	var errs []error

	c.Log.Level = str("LOG_LEVEL", c.Log.Level)
	c.Log.Format = str("LOG_FORMAT", c.Log.Format)

	c.HTTP.Addr = str("HTTP_ADDR", c.HTTP.Addr)
	c.HTTP.ShutdownTimeout = duration("HTTP_SHUTDOWN_TIMEOUT", c.HTTP.ShutdownTimeout, &errs)

	c.Push.Enabled = boolean("PUSH_ENABLED", c.Push.Enabled, &errs)
	c.Push.Addr = str("REDIS_ADDR", c.Push.Addr)
	c.Push.Password = os.Getenv(Prefix + "REDIS_PASSWORD")
	c.Push.DB = integer("REDIS_DB", c.Push.DB, &errs)
	c.Push.Channel = str("PUSH_CHANNEL", c.Push.Channel)

	c.Call.QueueSize = integer("QUEUE_SIZE", c.Call.QueueSize, &errs)
	c.Call.ContactTemplate = os.Getenv(Prefix + "CONTACT_TEMPLATE")
	if raw := str("INCOMING_IMPORTANCE", ""); raw != "" {
		imp, err := notification.ParseImportance(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sINCOMING_IMPORTANCE: %w", Prefix, err))
		} else {
			c.Call.IncomingImportance = imp
		}
	}
	c.Call.ValidateTokens = boolean("VALIDATE_TOKENS", c.Call.ValidateTokens, &errs)
	c.Call.AutoAnswer = duration("AUTO_ANSWER", c.Call.AutoAnswer, &errs)
	c.Call.AppName = str("APP_NAME", c.Call.AppName)

	c.MetricsNamespace = str("METRICS_NAMESPACE", c.MetricsNamespace)

	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate проверяет согласованность настроек
func (c Config) Validate() error {
	var errs []error

	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log format %q: ожидается json или text", c.Log.Format))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http addr пуст"))
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("http shutdown timeout должен быть положительным"))
	}
	if c.Push.Enabled {
		if c.Push.Addr == "" {
			errs = append(errs, errors.New("redis addr пуст при включенном push"))
		}
		if c.Push.Channel == "" {
			errs = append(errs, errors.New("push channel пуст при включенном push"))
		}
	}
	if c.Push.DB < 0 {
		errs = append(errs, fmt.Errorf("redis db %d отрицателен", c.Push.DB))
	}
	if c.Call.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("queue size %d должен быть положительным", c.Call.QueueSize))
	}
	if c.Call.AutoAnswer < 0 {
		errs = append(errs, errors.New("auto answer не может быть отрицательным"))
	}
	if _, err := notification.ParseImportance(string(c.Call.IncomingImportance)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(Prefix + key)); v != "" {
		return v
	}
	return def
}

func integer(key string, def int, errs *[]error) int {
	raw := str(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s%s: %w", Prefix, key, err))
		return def
	}
	return n
}

func boolean(key string, def bool, errs *[]error) bool {
	raw := str(key, "")
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s%s: %w", Prefix, key, err))
		return def
	}
	return b
}

func duration(key string, def time.Duration, errs *[]error) time.Duration {
	raw := str(key, "")
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s%s: %w", Prefix, key, err))
		return def
	}
	return d
}
