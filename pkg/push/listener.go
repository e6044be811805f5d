// Package push доставляет push-сообщения из канала Redis в очередь событий.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arzzra/voice_bridge/pkg/config"
	"github.com/arzzra/voice_bridge/pkg/logger"
	"github.com/arzzra/voice_bridge/pkg/provider"
)

// Deliverer точка входа push-сообщений; реализуется relay.Relay
type Deliverer interface {
	DeliverPush(ctx context.Context, payload map[string]string) error
}

// NewClient создает клиент Redis из настроек
func NewClient(cfg config.PushConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

// Decode разбирает сообщение канала: JSON объект со строковыми значениями
func Decode(raw string) (map[string]string, error) {
	var payload map[string]string
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("push: разбор сообщения: %w", err)
	}
	if len(payload) == 0 {
		return nil, errors.New("push: пустое сообщение")
	}
	return payload, nil
}

// Publish отправляет push-сообщение в канал
func Publish(ctx context.Context, client redis.UniversalClient, channel string, payload map[string]string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("push: кодирование сообщения: %w", err)
	}
	return client.Publish(ctx, channel, data).Err()
}

// Listener подписчик канала push-сообщений
type Listener struct {
	client  redis.UniversalClient
	channel string
	sink    Deliverer
	logger  logger.StructuredLogger
}

// NewListener создает подписчика
func NewListener(client redis.UniversalClient, channel string, sink Deliverer, log logger.StructuredLogger) *Listener {
	if log == nil {
		log = logger.Nop()
	}
	return &Listener{
		client:  client,
		channel: channel,
		sink:    sink,
		logger:  log.WithComponent("push"),
	}
}

// Run подписывается на канал и доставляет сообщения до отмены контекста
func (l *Listener) Run(ctx context.Context) error {
	sub := l.client.Subscribe(ctx, l.channel)
	defer sub.Close()

	// Ожидаем подтверждения подписки
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("push: подписка на %s: %w", l.channel, err)
	}
	l.logger.Info(ctx, "подписка на push-канал", logger.String("channel", l.channel))

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			if err := l.Handle(ctx, msg.Payload); err != nil {
				l.logger.Warn(ctx, "push-сообщение не доставлено", logger.Err(err))
			}
		}
	}
}

// Handle разбирает и доставляет одно сообщение. Сообщения, не относящиеся
// к звонкам, пропускаются без ошибки.
func (l *Listener) Handle(ctx context.Context, raw string) error {
	payload, err := Decode(raw)
	if err != nil {
		return err
	}
	if err := l.sink.DeliverPush(ctx, payload); err != nil {
		if errors.Is(err, provider.ErrNotVoiceMessage) {
			l.logger.Debug(ctx, "push-сообщение не относится к звонкам")
			return nil
		}
		return err
	}
	return nil
}
