package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// EventPublisher sends one message to a broker exchange.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body any) error
	Close()
}

// Producer publishes JSON messages to a durable topic exchange.
type Producer struct {
	mu      sync.Mutex
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

func NewProducer(amqpURL string) (*Producer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Producer{conn: conn, channel: ch}, nil
}

func (p *Producer) Publish(ctx context.Context, exchange, routingKey string, body any) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.publishOnce(ctx, exchange, routingKey, jsonBody)
	if err == nil {
		return nil
	}
	// The channel is closed by the server after most errors; reopen it once.
	ch, chErr := p.conn.Channel()
	if chErr != nil {
		return errors.Join(err, chErr)
	}
	p.channel = ch
	return p.publishOnce(ctx, exchange, routingKey, jsonBody)
}

func (p *Producer) publishOnce(ctx context.Context, exchange, routingKey string, body []byte) error {
	if err := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	return p.channel.PublishWithContext(ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp091.Publishing{
			ContentType: "application/json",
			Timestamp:   time.Now(),
			Body:        body,
		},
	)
}

func (p *Producer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}

// RoutingKey maps a channel name to a topic routing key, e.g.
// "consultation:42" becomes "consultation.42".
func RoutingKey(channel string) string {
	return strings.ReplaceAll(channel, ":", ".")
}

// Bridge forwards hub events to a broker exchange. Forward enqueues without
// blocking; a single goroutine started by Run drains the queue.
type Bridge struct {
	publisher EventPublisher
	exchange  string
	queue     chan Event
	logger    *slog.Logger
	done      chan struct{}
}

func NewBridge(publisher EventPublisher, exchange string, queueSize int, logger *slog.Logger) *Bridge {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Bridge{
		publisher: publisher,
		exchange:  exchange,
		queue:     make(chan Event, queueSize),
		logger:    logger,
		done:      make(chan struct{}),
	}
}

func (b *Bridge) Forward(ev Event) {
	select {
	case b.queue <- ev:
	default:
		b.logger.Warn("broker bridge queue full, event dropped",
			"channel", ev.Channel,
			"event", ev.Event,
		)
	}
}

// Run publishes queued events until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.queue:
			pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := b.publisher.Publish(pubCtx, b.exchange, RoutingKey(ev.Channel), ev)
			cancel()
			if err != nil {
				b.logger.Error("failed to forward event to broker",
					"exchange", b.exchange,
					"channel", ev.Channel,
					"event", ev.Event,
					"error", err.Error(),
				)
			}
		}
	}
}

// Done is closed once Run has returned.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}
