// Package token проверяет форму токена доступа перед исходящим звонком.
// Подпись токена проверяет сигнальный сервис, здесь проверяются только
// структура JWT и срок действия.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrMalformed токен не является JWT
	ErrMalformed = errors.New("token: некорректный JWT")
	// ErrNoExpiry в токене нет срока действия
	ErrNoExpiry = errors.New("token: не задан срок действия")
	// ErrExpired срок действия токена истек
	ErrExpired = errors.New("token: срок действия истек")
)

// DefaultLeeway допуск расхождения часов
const DefaultLeeway = 30 * time.Second

// VoiceGrant разрешения голосового SDK
type VoiceGrant struct {
	Incoming struct {
		Allow bool `json:"allow"`
	} `json:"incoming"`
	Outgoing struct {
		ApplicationSID string `json:"application_sid,omitempty"`
	} `json:"outgoing"`
	PushCredentialSID string `json:"push_credential_sid,omitempty"`
}

// Grants разрешения токена
type Grants struct {
	Identity string      `json:"identity,omitempty"`
	Voice    *VoiceGrant `json:"voice,omitempty"`
}

// Claims поля токена доступа
type Claims struct {
	jwt.RegisteredClaims
	Grants Grants `json:"grants"`
}

// Option опция Inspector
type Option func(*Inspector)

// WithLeeway задает допуск расхождения часов
func WithLeeway(d time.Duration) Option {
	return func(i *Inspector) { i.leeway = d }
}

// WithClock задает источник времени
func WithClock(now func() time.Time) Option {
	return func(i *Inspector) { i.now = now }
}

// Inspector разбирает токены доступа без проверки подписи
type Inspector struct {
	parser *jwt.Parser
	leeway time.Duration
	now    func() time.Time
}

// NewInspector создает Inspector
func NewInspector(opts ...Option) *Inspector {
	i := &Inspector{
		parser: jwt.NewParser(),
		leeway: DefaultLeeway,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Inspect разбирает токен и проверяет срок действия
func (i *Inspector) Inspect(raw string) (*Claims, error) {
	var claims Claims
	if _, _, err := i.parser.ParseUnverified(raw, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if exp == nil {
		return nil, ErrNoExpiry
	}
	if now := i.now(); now.After(exp.Add(i.leeway)) {
		return nil, fmt.Errorf("%w: %s", ErrExpired, exp.UTC().Format(time.RFC3339))
	}
	return &claims, nil
}

// Validate реализует orchestrator.TokenValidator
func (i *Inspector) Validate(raw string) error {
	_, err := i.Inspect(raw)
	return err
}

// Identity идентичность пользователя из токена
func (c *Claims) Identity() string {
	if c.Grants.Identity != "" {
		return c.Grants.Identity
	}
	return c.Subject
}
