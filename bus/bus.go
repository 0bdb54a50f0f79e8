// Package bus fans snapshot frames out over NATS. Subjects follow
// "<domain>.v1.<update|remove>.<server-id>[.<entity-id>]" so consumers
// can subscribe per server or per entity with wildcards. Delivery is
// at-least-once within a process and best-effort across processes;
// consumers stay idempotent via the frames' monotonic timestamps.
package bus

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"railhub.dev/simrail/snapshot"
)

const (
	DomainServer       = "server"
	DomainJourney      = "journey"
	DomainDispatchPost = "dispatchpost"
)

// Publisher is the producer-side contract the collectors use.
type Publisher interface {
	PublishUpdate(domain string, f *snapshot.Frame) error
	PublishRemoval(domain string, f *snapshot.Frame) error
}

type Bus struct {
	nc     *nats.Conn
	logger *zap.Logger
}

func Connect(url string, logger *zap.Logger) (*Bus, error) {
	nc, err := nats.Connect(url, nats.Name("simrail-collector"))
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return &Bus{nc: nc, logger: logger}, nil
}

// New wraps an existing connection.
func New(nc *nats.Conn, logger *zap.Logger) *Bus {
	return &Bus{nc: nc, logger: logger}
}

func (b *Bus) Close() {
	if b.nc != nil {
		b.nc.Close()
	}
}

func subject(domain, op string, id snapshot.ID) string {
	if domain == DomainServer {
		return fmt.Sprintf("%s.v1.%s.%s", domain, op, id.Data)
	}
	return fmt.Sprintf("%s.v1.%s.%s.%s", domain, op, id.Server, id.Data)
}

func (b *Bus) publish(domain, op string, f *snapshot.Frame) error {
	raw, err := f.Encode()
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	if err := b.nc.Publish(subject(domain, op, f.ID), raw); err != nil {
		return fmt.Errorf("publishing %s: %w", subject(domain, op, f.ID), err)
	}
	return nil
}

func (b *Bus) PublishUpdate(domain string, f *snapshot.Frame) error {
	return b.publish(domain, "update", f)
}

// PublishRemoval publishes the tombstone frame for f.
func (b *Bus) PublishRemoval(domain string, f *snapshot.Frame) error {
	return b.publish(domain, "remove", f.Removal())
}

// Sync subscribes to a domain's update and remove subjects and applies
// them to the cache. Call only after the cache has been rehydrated, or
// local state races ahead of remote state.
func (b *Bus) Sync(domain string, c *snapshot.Cache) (func(), error) {
	updates, err := b.nc.Subscribe(domain+".v1.update.>", func(msg *nats.Msg) {
		f, err := snapshot.Decode(msg.Data)
		if err != nil {
			b.logger.Warn("dropping malformed update frame",
				zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		c.UpdateLocal(f)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s updates: %w", domain, err)
	}

	removes, err := b.nc.Subscribe(domain+".v1.remove.>", func(msg *nats.Msg) {
		f, err := snapshot.Decode(msg.Data)
		if err != nil {
			b.logger.Warn("dropping malformed removal frame",
				zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		c.RemoveLocal(f)
	})
	if err != nil {
		_ = updates.Unsubscribe()
		return nil, fmt.Errorf("subscribing to %s removals: %w", domain, err)
	}

	return func() {
		_ = updates.Unsubscribe()
		_ = removes.Unsubscribe()
	}, nil
}
