package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"animebot/internal/eventbus"
	"animebot/internal/observability/metrics"
	kit "animebot/internal/transport"
	logx "animebot/pkg/logx"
)

var (
	ErrDestinationGone = kit.ErrDestinationGone
	ErrRateLimited     = kit.ErrRateLimited
	ErrNoAdapter       = errors.New("notifier has no adapter")
)

type Config struct {
	RatePerSec  int
	Burst       int
	SendTimeout time.Duration
}

// Message is one outbound chat message.
type Message struct {
	ChatID   int64
	Text     string
	HTML     bool
	Keyboard kit.Keyboard
}

// DeliveryEvent is published on the bus for every send.
type DeliveryEvent struct {
	ChatID int64  `json:"chat_id"`
	Result string `json:"result"`
	Error  string `json:"error,omitempty"`
}

// Service is safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	adapter kit.Adapter
	log     logx.Logger
	bus     eventbus.Bus
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{adapter: adapter, log: log.With(logx.String("comp", "notifier")), bus: bus}
	s.Apply(cfg)
	return s
}

// Apply swaps the rate limit and timeout. In-flight sends keep their limiter.
func (s *Service) Apply(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RatePerSec
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	s.mu.Unlock()
}

// Send delivers msg and returns an error classifiable with kit.Reason.
func (s *Service) Send(ctx context.Context, msg Message) error {
	if s.adapter == nil {
		return ErrNoAdapter
	}
	s.mu.Lock()
	lim, timeout := s.limiter, s.cfg.SendTimeout
	s.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("wait for send slot: %w", err)
	}

	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opt := &kit.SendOptions{DisablePreview: true, Keyboard: msg.Keyboard}
	if msg.HTML {
		opt.ParseMode = "HTML"
	}
	_, err := s.adapter.SendText(sctx, msg.ChatID, msg.Text, opt)

	result := kit.Reason(err)
	if result == "" {
		result = "ok"
	}
	metrics.Deliveries.WithLabelValues(result).Inc()

	ev := DeliveryEvent{ChatID: msg.ChatID, Result: result}
	if err != nil {
		ev.Error = err.Error()
		s.log.Debug("send failed", logx.Int64("chat_id", msg.ChatID), logx.String("reason", result), logx.Err(err))
		err = fmt.Errorf("send to %d: %w", msg.ChatID, err)
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "delivery." + result, Data: ev})
	}
	return err
}

// SendAlert implements logx.AlertSender.
func (s *Service) SendAlert(ctx context.Context, chatID int64, text string) error {
	return s.Send(ctx, Message{ChatID: chatID, Text: text})
}
