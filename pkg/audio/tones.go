package audio

import (
	"context"
	"fmt"
	"sync"

	"github.com/arzzra/voice_bridge/pkg/logger"
)

// Sound служебный звук звонка
type Sound string

const (
	SoundIncoming   Sound = "incoming"
	SoundOutgoing   Sound = "outgoing"
	SoundRingtone   Sound = "ringtone"
	SoundDisconnect Sound = "disconnect"
)

// Loops проверяет, воспроизводится ли звук по кругу
func (s Sound) Loops() bool {
	return s != SoundDisconnect
}

// Player платформенный проигрыватель звуков
type Player interface {
	Start(sound Sound, loop bool) error
	Stop() error
}

// Tones проигрыватель служебных звуков с одним активным потоком
type Tones struct {
	mu      sync.Mutex
	player  Player
	current Sound
	logger  logger.StructuredLogger
}

// NewTones создает проигрыватель
func NewTones(player Player, log logger.StructuredLogger) *Tones {
	if log == nil {
		log = logger.Nop()
	}
	return &Tones{player: player, logger: log.WithComponent("tones")}
}

// Play останавливает текущий звук и запускает новый
func (t *Tones) Play(sound Sound) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current != "" {
		if err := t.player.Stop(); err != nil {
			return fmt.Errorf("остановка звука %s: %w", t.current, err)
		}
		t.current = ""
	}
	if err := t.player.Start(sound, sound.Loops()); err != nil {
		return fmt.Errorf("запуск звука %s: %w", sound, err)
	}
	t.current = sound
	t.logger.Debug(context.Background(), "звук запущен",
		logger.String("sound", string(sound)),
		logger.Bool("loop", sound.Loops()))
	return nil
}

// Stop останавливает текущий звук; без активного звука ничего не делает
func (t *Tones) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.current == "" {
		return nil
	}
	if err := t.player.Stop(); err != nil {
		return fmt.Errorf("остановка звука %s: %w", t.current, err)
	}
	t.current = ""
	return nil
}

// Current текущий звук
func (t *Tones) Current() (Sound, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current, t.current != ""
}
