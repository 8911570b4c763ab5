package events

import (
	"fmt"
	"strings"

	"github.com/liminal/liminal/internal/common/config"
	"github.com/liminal/liminal/internal/common/logger"
	"github.com/liminal/liminal/internal/events/bus"
)

// Provide builds the configured notice bus: in-process by default, NATS
// when a server URL is configured. The cleanup flushes and closes the bus.
func Provide(cfg *config.Config, log *logger.Logger) (bus.Bus, func() error, error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize nats notice bus: %w", err)
		}
		return natsBus, func() error { natsBus.Close(); return nil }, nil
	}

	memBus := bus.NewMemoryBus(log)
	return memBus, func() error { memBus.Close(); return nil }, nil
}
