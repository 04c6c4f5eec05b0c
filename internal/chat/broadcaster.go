package chat

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/Tyrowin/roomchat/internal/metrics"
)

// Delivery summarizes one Publish call.
type Delivery struct {
	Attempted int
	Failed    int
}

// Broadcaster fans a persisted message out to the members of its room.
type Broadcaster struct {
	registry *Registry
	renderer Renderer
	log      *zap.Logger
}

// NewBroadcaster returns a Broadcaster that looks members up in registry and
// renders each delivery with renderer.
func NewBroadcaster(registry *Registry, renderer Renderer, log *zap.Logger) *Broadcaster {
	if renderer == nil {
		renderer = RenderFunc(func(m Message, _ Identity) (string, error) {
			return m.Content, nil
		})
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Broadcaster{registry: registry, renderer: renderer, log: log}
}

// Publish delivers msg to every session in the registry snapshot taken on
// entry. Each member gets exactly one attempt; failures are logged and
// counted but never stop delivery to the others.
func (b *Broadcaster) Publish(msg Message) Delivery {
	members := b.registry.Members(msg.Room)
	metrics.Broadcasts.Inc()

	var d Delivery
	for _, member := range members {
		d.Attempted++
		if err := b.deliver(member, msg); err != nil {
			d.Failed++
			metrics.Deliveries.WithLabelValues("failed").Inc()
			b.log.Warn("delivery_failed",
				zap.String("room", msg.Room),
				zap.String("conn", member.conn.ID()),
				zap.String("user", member.User().ID),
				zap.String("msg_id", msg.ID),
				zap.Error(err),
			)
			continue
		}
		metrics.Deliveries.WithLabelValues("ok").Inc()
	}

	b.log.Info("message_broadcast",
		zap.String("room", msg.Room),
		zap.String("msg_id", msg.ID),
		zap.Int("attempted", d.Attempted),
		zap.Int("failed", d.Failed),
	)
	return d
}

func (b *Broadcaster) deliver(member *Session, msg Message) error {
	payload, err := b.renderer.Render(msg, member.User())
	if err != nil {
		return err
	}
	frame, err := json.Marshal(Envelope{Message: payload})
	if err != nil {
		return err
	}
	return member.conn.Send(frame)
}
