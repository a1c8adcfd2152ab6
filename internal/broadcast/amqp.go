package broadcast

import (
	"strings"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AmqpEgress mirrors fan-out events onto a durable topic exchange so
// off-process consumers (bots, analytics, other CRM nodes) can follow the
// message stream. Publishing happens on a single background goroutine to
// keep event order and to keep broker latency out of the ingest path.
type AmqpEgress struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	queue    chan egressItem
	done     chan struct{}
}

type egressItem struct {
	room    string
	event   string
	payload interface{}
}

type egressEnvelope struct {
	Room      string      `json:"room"`
	Event     string      `json:"event"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewAmqpEgress dials the broker and declares the topic exchange.
func NewAmqpEgress(url, exchange string) (*AmqpEgress, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, err
	}

	e := &AmqpEgress{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		queue:    make(chan egressItem, 1024),
		done:     make(chan struct{}),
	}
	go e.loop()
	return e, nil
}

func (e *AmqpEgress) Publish(room, event string, payload interface{}) {
	item := egressItem{room: room, event: event, payload: payload}
	select {
	case e.queue <- item:
	default:
		// Broker backlog; drop rather than stall ingest. Live clients are
		// served by the in-process bus either way.
		zap.L().Warn("amqp egress queue full, dropping event",
			zap.String("room", room), zap.String("event", event))
	}
}

func (e *AmqpEgress) loop() {
	for item := range e.queue {
		body, err := jsoniter.Marshal(egressEnvelope{
			Room:      item.room,
			Event:     item.event,
			Payload:   item.payload,
			Timestamp: time.Now(),
		})
		if err != nil {
			zap.L().Warn("amqp egress marshal failed", zap.Error(err))
			continue
		}
		key := routingKey(item.room, item.event)
		err = e.channel.Publish(e.exchange, key, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    time.Now(),
			Body:         body,
		})
		if err != nil {
			zap.L().Warn("amqp egress publish failed", zap.String("key", key), zap.Error(err))
		}
	}
	close(e.done)
}

func (e *AmqpEgress) Close() {
	close(e.queue)
	<-e.done
	_ = e.channel.Close()
	_ = e.conn.Close()
}

// routingKey flattens a room name into an AMQP topic key,
// "conversation:s1:c9" + "message.new" -> "conversation.s1.c9.message.new".
func routingKey(room, event string) string {
	return strings.ReplaceAll(room, ":", ".") + "." + event
}
