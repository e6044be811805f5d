package audio

import (
	"context"

	"github.com/arzzra/voice_bridge/pkg/logger"
)

// LoggingRouter маршрутизатор без платформы, только пишет в лог
type LoggingRouter struct {
	Logger logger.StructuredLogger
}

func (r LoggingRouter) Activate() error {
	r.Logger.Info(context.Background(), "router: activate")
	return nil
}

func (r LoggingRouter) Deactivate() error {
	r.Logger.Info(context.Background(), "router: deactivate")
	return nil
}

func (r LoggingRouter) Select(device PlatformDevice) error {
	r.Logger.Info(context.Background(), "router: select",
		logger.String("device_name", device.Name),
		logger.String("device_type", string(device.Type)))
	return nil
}

// LoggingPlayer проигрыватель без платформы, только пишет в лог
type LoggingPlayer struct {
	Logger logger.StructuredLogger
}

func (p LoggingPlayer) Start(sound Sound, loop bool) error {
	p.Logger.Info(context.Background(), "player: start",
		logger.String("sound", string(sound)), logger.Bool("loop", loop))
	return nil
}

func (p LoggingPlayer) Stop() error {
	p.Logger.Info(context.Background(), "player: stop")
	return nil
}
