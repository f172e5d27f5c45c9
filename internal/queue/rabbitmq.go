package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"

	"ikid/internal/store"
)

// RabbitQueue implements Queue on a durable RabbitMQ queue. A closed
// connection or channel is re-established on the next publish, and consumers
// resubscribe after the broker drops them.
type RabbitQueue struct {
	url        string
	queueName  string
	cb         *gobreaker.CircuitBreaker
	retryDelay time.Duration

	mu     sync.Mutex
	conn   *amqp.Connection
	ch     *amqp.Channel
	closed bool
}

var errQueueClosed = errors.New("queue: rabbitmq queue closed")

// NewRabbitQueue dials amqpURL and declares queueName.
func NewRabbitQueue(amqpURL, queueName string) (*RabbitQueue, error) {
	q := &RabbitQueue{
		url:        amqpURL,
		queueName:  queueName,
		cb:         store.NewBreaker("rabbitmq"),
		retryDelay: 2 * time.Second,
	}
	if _, err := q.channel(); err != nil {
		return nil, err
	}
	return q, nil
}

// channel returns a live channel, redialing when the broker closed the
// previous connection or channel.
func (q *RabbitQueue) channel() (*amqp.Channel, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, errQueueClosed
	}
	if q.ch != nil && !q.ch.IsClosed() {
		return q.ch, nil
	}

	if q.conn == nil || q.conn.IsClosed() {
		conn, err := amqp.Dial(q.url)
		if err != nil {
			return nil, err
		}
		q.conn = conn
		watchClose("connection", conn.NotifyClose(make(chan *amqp.Error, 1)))
	}
	ch, err := q.conn.Channel()
	if err != nil {
		return nil, err
	}
	_, err = ch.QueueDeclare(
		q.queueName,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, err
	}
	watchClose("channel", ch.NotifyClose(make(chan *amqp.Error, 1)))
	q.ch = ch
	return ch, nil
}

func watchClose(what string, notify <-chan *amqp.Error) {
	go func() {
		if err, ok := <-notify; ok && err != nil {
			log.Printf("queue: rabbitmq %s closed: %v", what, err)
		}
	}()
}

// Publish sends a persistent message to the queue.
func (q *RabbitQueue) Publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = q.cb.Execute(func() (interface{}, error) {
		ch, err := q.channel()
		if err != nil {
			return nil, err
		}
		return nil, ch.PublishWithContext(
			ctx,
			"",          // default exchange
			q.queueName, // routing key == queue name
			false,       // mandatory
			false,       // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Body:         body,
			},
		)
	})
	return err
}

func (q *RabbitQueue) subscribe() (<-chan amqp.Delivery, error) {
	ch, err := q.channel()
	if err != nil {
		return nil, err
	}
	return ch.Consume(
		q.queueName,
		"",    // consumer tag
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,
	)
}

// Consume delivers messages and acks each one once the reader took it. When
// the broker goes away the consumer resubscribes until ctx ends.
func (q *RabbitQueue) Consume(ctx context.Context) (<-chan Message, error) {
	deliveries, err := q.subscribe()
	if err != nil {
		return nil, err
	}

	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			if !forward(ctx, deliveries, out) {
				return
			}
			log.Printf("queue: rabbitmq deliveries stopped, resubscribing")
			for {
				select {
				case <-ctx.Done():
					return
				case <-time.After(q.retryDelay):
				}
				if deliveries, err = q.subscribe(); err == nil {
					break
				}
				if errors.Is(err, errQueueClosed) {
					return
				}
				log.Printf("queue: rabbitmq resubscribe failed: %v", err)
			}
		}
	}()
	return out, nil
}

// forward relays deliveries to out. It returns false once ctx is done and
// true when the delivery channel closed underneath it.
func forward(ctx context.Context, deliveries <-chan amqp.Delivery, out chan<- Message) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case d, ok := <-deliveries:
			if !ok {
				return true
			}
			var msg Message
			if err := json.Unmarshal(d.Body, &msg); err != nil {
				log.Printf("queue: rejecting malformed message: %v", err)
				_ = d.Nack(false, false)
				continue
			}
			select {
			case out <- msg:
				_ = d.Ack(false)
			case <-ctx.Done():
				_ = d.Nack(false, true)
				return false
			}
		}
	}
}

// Close closes the channel and the connection. The queue is unusable after.
func (q *RabbitQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	if q.ch != nil && !q.ch.IsClosed() {
		if err := q.ch.Close(); err != nil {
			return err
		}
	}
	if q.conn != nil && !q.conn.IsClosed() {
		return q.conn.Close()
	}
	return nil
}
