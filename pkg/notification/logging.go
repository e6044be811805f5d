package notification

import (
	"context"

	"github.com/arzzra/voice_bridge/pkg/logger"
)

// LoggingSurface платформа без уведомлений, только пишет в лог
type LoggingSurface struct {
	Logger logger.StructuredLogger
}

func (s LoggingSurface) Show(n Notification) error {
	s.Logger.Info(context.Background(), "surface: show",
		logger.Int("notification_id", n.ID),
		logger.String("session_id", n.SessionID),
		logger.String("kind", string(n.Kind)),
		logger.String("title", n.Title),
		logger.Bool("full_screen", n.FullScreen))
	return nil
}

func (s LoggingSurface) Cancel(id int) error {
	s.Logger.Info(context.Background(), "surface: cancel", logger.Int("notification_id", id))
	return nil
}

func (s LoggingSurface) Foreground(id int) error {
	s.Logger.Info(context.Background(), "surface: foreground", logger.Int("notification_id", id))
	return nil
}

func (s LoggingSurface) Background(id int) error {
	s.Logger.Info(context.Background(), "surface: background", logger.Int("notification_id", id))
	return nil
}
