package events

import (
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	ALL_CHAINS                = "*"
	DEFAULT_SUBSCRIBER_BUFFER = 256
)

type EventBusConfig struct {
	SubscriberBufferSize int `mapstructure:"subscriber_buffer_size"`
}

type Channels []chan *EventEnvelope

// Store array of channels by destination chain. ALL_CHAINS subscribers receive every event.
type EventBus struct {
	mu         sync.RWMutex
	bufferSize int
	channels   map[string]Channels
	closed     bool
}

func NewEventBus(config *EventBusConfig) *EventBus {
	bufferSize := DEFAULT_SUBSCRIBER_BUFFER
	if config != nil && config.SubscriberBufferSize > 0 {
		bufferSize = config.SubscriberBufferSize
	}
	return &EventBus{
		bufferSize: bufferSize,
		channels:   make(map[string]Channels),
	}
}

func (eb *EventBus) filterChannels(destinationChain string) Channels {
	channels := make(Channels, 0, len(eb.channels[destinationChain])+len(eb.channels[ALL_CHAINS]))
	channels = append(channels, eb.channels[destinationChain]...)
	if destinationChain != ALL_CHAINS {
		channels = append(channels, eb.channels[ALL_CHAINS]...)
	}
	return channels
}

// BroadcastEvent never blocks the publisher; a subscriber with a full buffer misses the event
func (eb *EventBus) BroadcastEvent(event *EventEnvelope) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return
	}
	for _, channel := range eb.filterChannels(event.DestinationChain) {
		select {
		case channel <- event:
		default:
			log.Warn().Str("eventType", event.EventType).Str("transferId", event.TransferID).
				Msg("[EventBus] [BroadcastEvent] subscriber buffer is full, event dropped")
		}
	}
}

func (eb *EventBus) Subscribe(destinationChain string) <-chan *EventEnvelope {
	receiver := make(chan *EventEnvelope, eb.bufferSize)
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		close(receiver)
		return receiver
	}
	eb.channels[destinationChain] = append(eb.channels[destinationChain], receiver)
	return receiver
}

// Close closes every subscriber channel; later broadcasts are ignored
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		return
	}
	eb.closed = true
	for _, channels := range eb.channels {
		for _, channel := range channels {
			close(channel)
		}
	}
	eb.channels = make(map[string]Channels)
}
