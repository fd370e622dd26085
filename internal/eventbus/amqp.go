package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	logx "animebot/pkg/logx"
)

// AMQPConfig controls exporting bus events to a RabbitMQ topic exchange.
type AMQPConfig struct {
	URL      string
	Exchange string
	Prefix   string // routing key prefix, e.g. "animebot"
}

// Forwarder copies bus events to an AMQP exchange. Run is meant to be hosted
// by a supervisor restart loop: it returns an error whenever the connection
// drops, and the subscription survives across reconnects.
type Forwarder struct {
	cfg   AMQPConfig
	log   logx.Logger
	ch    <-chan Event
	unsub func()
}

func NewForwarder(bus Bus, cfg AMQPConfig, log logx.Logger) *Forwarder {
	if strings.TrimSpace(cfg.Exchange) == "" {
		cfg.Exchange = "animebot.events"
	}
	ch, unsub := bus.Subscribe(256)
	return &Forwarder{cfg: cfg, log: log.With(logx.String("comp", "eventbus.amqp")), ch: ch, unsub: unsub}
}

// Close detaches the forwarder from the bus.
func (f *Forwarder) Close() { f.unsub() }

func (f *Forwarder) Run(ctx context.Context) error {
	conn, err := amqp.Dial(f.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial amqp: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(f.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", f.cfg.Exchange, err)
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	f.log.Info("forwarding events", logx.String("exchange", f.cfg.Exchange))

	for {
		select {
		case <-ctx.Done():
			return nil
		case aerr := <-closed:
			if aerr == nil {
				return errors.New("amqp connection closed")
			}
			return fmt.Errorf("amqp connection closed: %w", aerr)
		case e, ok := <-f.ch:
			if !ok {
				return nil
			}
			msg, key, err := encodeEvent(e, f.cfg.Prefix)
			if err != nil {
				f.log.Warn("drop unencodable event", logx.String("type", e.Type), logx.Err(err))
				continue
			}
			if err := ch.PublishWithContext(ctx, f.cfg.Exchange, key, false, false, msg); err != nil {
				return fmt.Errorf("publish %s: %w", key, err)
			}
		}
	}
}

func encodeEvent(e Event, prefix string) (amqp.Publishing, string, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return amqp.Publishing{}, "", fmt.Errorf("marshal event: %w", err)
	}
	key := e.Type
	if p := strings.Trim(prefix, ". "); p != "" {
		key = p + "." + key
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID,
		Timestamp:    e.Time,
		Type:         e.Type,
		Body:         body,
	}, key, nil
}
