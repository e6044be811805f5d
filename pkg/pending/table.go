// Package pending хранит незавершенные UI команды до их однократного
// разрешения.
package pending

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arzzra/voice_bridge/pkg/callerr"
)

// ErrAlreadySettled операция уже разрешена или завершена ошибкой
var ErrAlreadySettled = errors.New("pending: операция уже завершена")

// Kind тип ожидающей операции
type Kind string

const (
	KindConnect    Kind = "connect"
	KindAccept     Kind = "accept"
	KindReject     Kind = "reject"
	KindDisconnect Kind = "disconnect"
)

type key struct {
	sessionID string
	kind      Kind
}

// Handle обещание результата одной UI команды
type Handle[T any] struct {
	id        uint64
	sessionID string
	kind      Kind
	createdAt time.Time

	done    chan struct{}
	settled bool
	value   T
	err     error
}

// ID порядковый номер операции в таблице
func (h *Handle[T]) ID() uint64 { return h.id }

// SessionID сессия, к которой относится операция
func (h *Handle[T]) SessionID() string { return h.sessionID }

// Kind тип операции
func (h *Handle[T]) Kind() Kind { return h.kind }

// CreatedAt время регистрации
func (h *Handle[T]) CreatedAt() time.Time { return h.createdAt }

// Done закрывается при разрешении операции
func (h *Handle[T]) Done() <-chan struct{} { return h.done }

// Wait блокируется до разрешения операции или отмены контекста.
// Отмена контекста не отменяет саму операцию.
func (h *Handle[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-h.done:
		return h.value, h.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Observer получает число незавершенных операций после каждого изменения
type Observer func(outstanding int)

// Option опция таблицы
type Option func(*options)

type options struct {
	observer Observer
}

// WithObserver подписывает наблюдателя на изменения таблицы
func WithObserver(o Observer) Option {
	return func(opts *options) { opts.observer = o }
}

// Table таблица ожидающих операций. Не более одной операции на пару
// (сессия, тип); каждая операция разрешается ровно один раз.
type Table[T any] struct {
	mu     sync.Mutex
	byKey  map[key]*Handle[T]
	nextID uint64
	opts   options
}

// New создает пустую таблицу
func New[T any](opts ...Option) *Table[T] {
	t := &Table[T]{byKey: make(map[key]*Handle[T])}
	for _, opt := range opts {
		opt(&t.opts)
	}
	return t
}

// Register регистрирует новую операцию. Повторная регистрация для той же
// пары возвращает InvalidState без изменения таблицы.
func (t *Table[T]) Register(sessionID string, kind Kind) (*Handle[T], error) {
	if sessionID == "" {
		return nil, callerr.InvalidArgument("пустой идентификатор сессии")
	}

	t.mu.Lock()
	k := key{sessionID: sessionID, kind: kind}
	if _, exists := t.byKey[k]; exists {
		t.mu.Unlock()
		return nil, callerr.New(callerr.KindInvalidState, callerr.CodeOperationInProgress,
			fmt.Sprintf("операция '%s' уже выполняется", kind)).
			WithSession(sessionID).
			WithField("operation", string(kind))
	}

	t.nextID++
	h := &Handle[T]{
		id:        t.nextID,
		sessionID: sessionID,
		kind:      kind,
		createdAt: time.Now(),
		done:      make(chan struct{}),
	}
	t.byKey[k] = h
	n := len(t.byKey)
	t.mu.Unlock()

	t.notify(n)
	return h, nil
}

// Resolve успешно завершает операцию
func (t *Table[T]) Resolve(h *Handle[T], value T) error {
	return t.settle(h, value, nil)
}

// Fail завершает операцию ошибкой
func (t *Table[T]) Fail(h *Handle[T], err error) error {
	if err == nil {
		err = errors.New("pending: операция завершена без причины")
	}
	var zero T
	return t.settle(h, zero, err)
}

func (t *Table[T]) settle(h *Handle[T], value T, err error) error {
	if h == nil {
		return ErrAlreadySettled
	}

	t.mu.Lock()
	if h.settled {
		t.mu.Unlock()
		return ErrAlreadySettled
	}
	t.settleLocked(h, value, err)
	n := len(t.byKey)
	t.mu.Unlock()

	t.notify(n)
	return nil
}

// settleLocked вызывается под t.mu
func (t *Table[T]) settleLocked(h *Handle[T], value T, err error) {
	h.settled = true
	h.value = value
	h.err = err
	k := key{sessionID: h.sessionID, kind: h.kind}
	if t.byKey[k] == h {
		delete(t.byKey, k)
	}
	close(h.done)
}

// FailSession завершает ошибкой все операции сессии и возвращает их число
func (t *Table[T]) FailSession(sessionID string, err error) int {
	return t.failWhere(err, func(k key) bool { return k.sessionID == sessionID })
}

// FailAll завершает ошибкой все операции таблицы
func (t *Table[T]) FailAll(err error) int {
	return t.failWhere(err, func(key) bool { return true })
}

func (t *Table[T]) failWhere(err error, match func(key) bool) int {
	var zero T

	t.mu.Lock()
	count := 0
	for k, h := range t.byKey {
		if !match(k) {
			continue
		}
		t.settleLocked(h, zero, err)
		count++
	}
	n := len(t.byKey)
	t.mu.Unlock()

	if count > 0 {
		t.notify(n)
	}
	return count
}

// Get возвращает незавершенную операцию
func (t *Table[T]) Get(sessionID string, kind Kind) (*Handle[T], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.byKey[key{sessionID: sessionID, kind: kind}]
	return h, ok
}

// Has проверяет наличие незавершенной операции
func (t *Table[T]) Has(sessionID string, kind Kind) bool {
	_, ok := t.Get(sessionID, kind)
	return ok
}

// Outstanding число незавершенных операций
func (t *Table[T]) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byKey)
}

func (t *Table[T]) notify(n int) {
	if t.opts.observer != nil {
		t.opts.observer(n)
	}
}
