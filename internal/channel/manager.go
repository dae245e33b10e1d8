package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lorehaven/scribe/internal/bus"
)

// Manager owns the active adapters and fans the outbound bus into them.
type Manager struct {
	channels map[string]Channel
	bus      *bus.MessageBus
	log      zerolog.Logger
}

func NewManager(b *bus.MessageBus, log zerolog.Logger) *Manager {
	return &Manager{
		channels: make(map[string]Channel),
		bus:      b,
		log:      log,
	}
}

// Register adds an adapter and subscribes it to its outbound traffic.
func (m *Manager) Register(ch Channel) {
	m.channels[ch.Name()] = ch
	m.bus.SubscribeOutbound(ch.Name(), func(msg bus.OutboundMessage) {
		if _, err := ch.Send(msg); err != nil {
			m.log.Error().Err(err).Str("channel", ch.Name()).Msg("send failed")
		}
	})
}

// Get returns a registered adapter for direct operations like progress
// edits and thread creation.
func (m *Manager) Get(name string) (Channel, bool) {
	ch, ok := m.channels[name]
	return ch, ok
}

func (m *Manager) StartAll(ctx context.Context) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(m.channels))

	for name, ch := range m.channels {
		wg.Add(1)
		go func(name string, ch Channel) {
			defer wg.Done()
			m.log.Info().Str("channel", name).Msg("starting")
			if err := ch.Start(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}(name, ch)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		return err
	}
	return nil
}

func (m *Manager) StopAll() error {
	for name, ch := range m.channels {
		m.log.Info().Str("channel", name).Msg("stopping")
		if err := ch.Stop(); err != nil {
			m.log.Error().Err(err).Str("channel", name).Msg("stop failed")
		}
	}
	return nil
}

func (m *Manager) EnabledChannels() []string {
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	return names
}
