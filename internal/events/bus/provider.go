package bus

import (
	"github.com/iondrive-co/chad/internal/common/config"
	"github.com/iondrive-co/chad/internal/common/logger"
)

// New returns a NATS-backed bus when nats.url is configured, otherwise the
// in-memory bus. Both satisfy EventBus, so callers never branch on backend.
func New(cfg config.NATSConfig, log *logger.Logger) (EventBus, error) {
	if cfg.URL == "" {
		return NewMemoryEventBus(log), nil
	}
	return NewNATSEventBus(cfg, log)
}
