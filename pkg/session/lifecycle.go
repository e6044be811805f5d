package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

// State состояние жизненного цикла сессии
type State string

const (
	StateInvited      State = "INVITED"
	StateAccepting    State = "ACCEPTING"
	StateConnecting   State = "CONNECTING"
	StateRinging      State = "RINGING"
	StateConnected    State = "CONNECTED"
	StateReconnecting State = "RECONNECTING"
	StateDisconnected State = "DISCONNECTED"
	StateRejected     State = "REJECTED"
	StateCancelled    State = "CANCELLED"
)

// String возвращает строковое представление состояния
func (s State) String() string { return string(s) }

// IsTerminal проверяет, является ли состояние конечным
func (s State) IsTerminal() bool {
	switch s {
	case StateDisconnected, StateRejected, StateCancelled:
		return true
	}
	return false
}

// HasCall проверяет, существует ли в состоянии звонок в SDK
func (s State) HasCall() bool {
	switch s {
	case StateAccepting, StateConnecting, StateRinging, StateConnected, StateReconnecting:
		return true
	}
	return false
}

// Event событие конечного автомата
type Event string

const (
	EventAccept       Event = "accept"
	EventReject       Event = "reject"
	EventCancel       Event = "cancel"
	EventRinging      Event = "ringing"
	EventConnected    Event = "connected"
	EventReconnecting Event = "reconnecting"
	EventReconnected  Event = "reconnected"
	// EventDisconnect завершение активного звонка
	EventDisconnect Event = "disconnect"
	// EventFail неустранимая ошибка, в том числе до появления звонка
	EventFail Event = "fail"
)

// transitions таблица переходов автомата
var transitions = fsm.Events{
	{Name: string(EventAccept), Src: []string{string(StateInvited)}, Dst: string(StateAccepting)},
	{Name: string(EventReject), Src: []string{string(StateInvited)}, Dst: string(StateRejected)},
	{Name: string(EventCancel), Src: []string{string(StateInvited)}, Dst: string(StateCancelled)},
	{Name: string(EventRinging), Src: []string{string(StateConnecting)}, Dst: string(StateRinging)},
	{Name: string(EventConnected), Src: []string{
		string(StateAccepting), string(StateConnecting), string(StateRinging),
	}, Dst: string(StateConnected)},
	{Name: string(EventReconnecting), Src: []string{string(StateConnected)}, Dst: string(StateReconnecting)},
	{Name: string(EventReconnected), Src: []string{string(StateReconnecting)}, Dst: string(StateConnected)},
	{Name: string(EventDisconnect), Src: []string{
		string(StateAccepting), string(StateConnecting), string(StateRinging),
		string(StateConnected), string(StateReconnecting),
	}, Dst: string(StateDisconnected)},
	{Name: string(EventFail), Src: []string{
		string(StateInvited), string(StateAccepting), string(StateConnecting), string(StateRinging),
		string(StateConnected), string(StateReconnecting),
	}, Dst: string(StateDisconnected)},
}

// ValidTransitions возвращает матрицу допустимых переходов
func ValidTransitions() map[State]map[State]bool {
	out := make(map[State]map[State]bool)
	for _, ev := range transitions {
		for _, src := range ev.Src {
			from := State(src)
			if out[from] == nil {
				out[from] = make(map[State]bool)
			}
			out[from][State(ev.Dst)] = true
		}
	}
	return out
}

// Transition запись о переходе состояния
type Transition struct {
	From  State
	To    State
	Event Event
	At    time.Time
}

// maxHistory размер истории переходов
const maxHistory = 20

// Lifecycle автомат состояний сессии с историей переходов
type Lifecycle struct {
	machine *fsm.FSM

	mu      sync.RWMutex
	history []Transition
}

// NewLifecycle создает автомат в начальном состоянии
func NewLifecycle(initial State) *Lifecycle {
	l := &Lifecycle{history: make([]Transition, 0, 8)}
	l.machine = fsm.NewFSM(
		string(initial),
		transitions,
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				l.record(e)
			},
		},
	)
	return l
}

func (l *Lifecycle) record(e *fsm.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.history = append(l.history, Transition{
		From:  State(e.Src),
		To:    State(e.Dst),
		Event: Event(e.Event),
		At:    time.Now(),
	})
	if len(l.history) > maxHistory {
		l.history = l.history[1:]
	}
}

// Current текущее состояние
func (l *Lifecycle) Current() State {
	return State(l.machine.Current())
}

// Can проверяет допустимость события в текущем состоянии
func (l *Lifecycle) Can(ev Event) bool {
	return l.machine.Can(string(ev))
}

// Fire выполняет переход по событию
func (l *Lifecycle) Fire(ctx context.Context, ev Event) error {
	from := l.Current()
	if err := l.machine.Event(ctx, string(ev)); err != nil {
		return fmt.Errorf("переход '%s' из %s: %w", ev, from, err)
	}
	return nil
}

// History возвращает копию истории переходов
func (l *Lifecycle) History() []Transition {
	l.mu.RLock()
	defer l.mu.RUnlock()

	history := make([]Transition, len(l.history))
	copy(history, l.history)
	return history
}
