// Package notification отображает состояние звонков в уведомлениях и
// управляет слотом foreground-сервиса.
package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/arzzra/voice_bridge/pkg/logger"
)

// Kind вид уведомления
type Kind string

const (
	KindIncoming Kind = "INCOMING"
	KindOutgoing Kind = "OUTGOING"
	KindAnswered Kind = "ANSWERED"
)

// holdsForeground проверяет, занимает ли вид слот foreground-сервиса
func (k Kind) holdsForeground() bool {
	return k == KindAnswered || k == KindOutgoing
}

// Importance канал важности уведомления
type Importance string

const (
	ImportanceLow     Importance = "low"
	ImportanceDefault Importance = "default"
	ImportanceHigh    Importance = "high"
)

// ParseImportance разбирает строковое значение важности
func ParseImportance(s string) (Importance, error) {
	switch Importance(s) {
	case ImportanceLow, ImportanceDefault, ImportanceHigh:
		return Importance(s), nil
	}
	return "", fmt.Errorf("неизвестная важность уведомления: %q", s)
}

// Notification представление уведомления для платформы
type Notification struct {
	ID         int        `json:"id"`
	SessionID  string     `json:"sessionId"`
	Kind       Kind       `json:"kind"`
	Importance Importance `json:"importance"`
	Title      string     `json:"title"`
	Body       string     `json:"body"`
	FullScreen bool       `json:"fullScreen"`
}

// Surface платформенные уведомления и foreground-сервис
type Surface interface {
	// Show показывает уведомление или заменяет его с тем же ID
	Show(n Notification) error
	// Cancel убирает уведомление
	Cancel(id int) error
	// Foreground переводит сервис в foreground с уведомлением id
	Foreground(id int) error
	// Background освобождает слот foreground-сервиса
	Background(id int) error
}

// PresentOption опция показа
type PresentOption func(*Notification)

// WithFullScreen включает или выключает полноэкранный показ
func WithFullScreen(on bool) PresentOption {
	return func(n *Notification) { n.FullScreen = on }
}

// Option опция контроллера
type Option func(*Controller)

// WithAppName задает имя приложения в тексте уведомления
func WithAppName(name string) Option {
	return func(c *Controller) { c.appName = name }
}

// WithTemplate задает начальный шаблон имени
func WithTemplate(template string) Option {
	return func(c *Controller) { c.template = template }
}

// WithLogger задает logger контроллера
func WithLogger(l logger.StructuredLogger) Option {
	return func(c *Controller) { c.logger = l }
}

// Controller поддерживает не более одного уведомления на сессию
type Controller struct {
	surface Surface
	appName string
	logger  logger.StructuredLogger

	mu         sync.Mutex
	template   string
	nextID     int
	ids        map[string]int          // sessionID -> notification id
	live       map[string]Notification // показанные уведомления
	foreground string                  // сессия, занимающая слот
}

// NewController создает контроллер
func NewController(surface Surface, opts ...Option) *Controller {
	c := &Controller{
		surface: surface,
		appName: "Voice",
		ids:     make(map[string]int),
		live:    make(map[string]Notification),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logger.Nop()
	}
	c.logger = c.logger.WithComponent("notification")
	return c
}

// SetTemplate задает шаблон имени; пустая строка отключает шаблон
func (c *Controller) SetTemplate(template string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.template = template
}

// Template текущий шаблон имени
func (c *Controller) Template() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.template
}

// Present показывает уведомление сессии. Повторный показ заменяет
// уведомление на месте с тем же ID.
func (c *Controller) Present(sessionID string, kind Kind, importance Importance, subject Subject, opts ...PresentOption) (Notification, error) {
	if sessionID == "" {
		return Notification{}, errors.New("notification: пустой идентификатор сессии")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	id, ok := c.ids[sessionID]
	if !ok {
		c.nextID++
		id = c.nextID
	}

	n := Notification{
		ID:         id,
		SessionID:  sessionID,
		Kind:       kind,
		Importance: importance,
		Title:      ResolveDisplayName(c.template, subject),
		Body:       c.body(kind),
		FullScreen: kind == KindIncoming,
	}
	for _, opt := range opts {
		opt(&n)
	}

	if err := c.surface.Show(n); err != nil {
		return Notification{}, fmt.Errorf("показ уведомления %d: %w", id, err)
	}
	c.ids[sessionID] = id
	c.live[sessionID] = n

	if kind.holdsForeground() && c.foreground != sessionID {
		if err := c.surface.Foreground(id); err != nil {
			return n, fmt.Errorf("foreground для уведомления %d: %w", id, err)
		}
		c.foreground = sessionID
	}

	c.logger.Debug(context.Background(), "уведомление показано",
		logger.String("session_id", sessionID),
		logger.Int("notification_id", id),
		logger.String("kind", string(kind)),
		logger.String("importance", string(importance)))
	return n, nil
}

// Cancel убирает уведомление сессии. Без показанного уведомления ничего
// не делает. Локальное состояние очищается даже при ошибке платформы.
func (c *Controller) Cancel(sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.live[sessionID]
	if !ok {
		return nil
	}
	delete(c.live, sessionID)
	delete(c.ids, sessionID)

	var errs []error
	if c.foreground == sessionID {
		c.foreground = ""
		if err := c.surface.Background(n.ID); err != nil {
			errs = append(errs, fmt.Errorf("освобождение foreground: %w", err))
		}
	}
	if err := c.surface.Cancel(n.ID); err != nil {
		errs = append(errs, fmt.Errorf("отмена уведомления %d: %w", n.ID, err))
	}

	c.logger.Debug(context.Background(), "уведомление снято",
		logger.String("session_id", sessionID),
		logger.Int("notification_id", n.ID))
	return errors.Join(errs...)
}

// ID идентификатор уведомления сессии
func (c *Controller) ID(sessionID string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.ids[sessionID]
	return id, ok
}

// Current показанное уведомление сессии
func (c *Controller) Current(sessionID string) (Notification, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.live[sessionID]
	return n, ok
}

// ForegroundOwner сессия, занимающая слот foreground-сервиса
func (c *Controller) ForegroundOwner() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.foreground
}

// Live число показанных уведомлений
func (c *Controller) Live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.live)
}

func (c *Controller) body(kind Kind) string {
	switch kind {
	case KindIncoming:
		return c.appName + " - входящий звонок"
	case KindOutgoing:
		return c.appName + " - исходящий звонок"
	default:
		return c.appName + " - идет звонок"
	}
}
