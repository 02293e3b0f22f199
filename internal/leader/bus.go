package leader

import (
	"context"

	"opsnotify/internal/eventbus"
)

// BusChannel carries election messages over an in-process event bus, the
// way tabs of one browser share a broadcast channel.
func BusChannel(b eventbus.Bus) Channel { return busChannel{bus: b} }

type busChannel struct{ bus eventbus.Bus }

func (c busChannel) Publish(ctx context.Context, m Message) error {
	_ = ctx
	c.bus.Publish(eventbus.Event{Type: ChannelName, Data: m})
	return nil
}

func (c busChannel) Subscribe(buffer int) (<-chan Message, func(), error) {
	src, unsub := c.bus.Subscribe(buffer, ChannelName)
	out := make(chan Message, cap(src))
	go func() {
		defer close(out)
		for ev := range src {
			m, ok := ev.Data.(Message)
			if !ok {
				continue
			}
			select {
			case out <- m:
			default:
			}
		}
	}()
	return out, unsub, nil
}
