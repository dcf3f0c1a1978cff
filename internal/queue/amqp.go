package queue

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
)

// AMQPQueue publishes and consumes campaign jobs through RabbitMQ. Each topic
// maps to a durable queue of the same name on the default exchange.
type AMQPQueue struct {
	conn *amqp.Connection
	log  zerolog.Logger

	mu      sync.Mutex
	pub     *amqp.Channel
	subs    []*amqp.Channel
	closeWg sync.WaitGroup
}

func DialAMQP(url string, log zerolog.Logger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	for _, topic := range []string{TopicGenerate, TopicDispatch} {
		if err := declare(ch, topic); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return &AMQPQueue{conn: conn, pub: ch, log: log}, nil
}

func declare(ch *amqp.Channel, topic string) error {
	_, err := ch.QueueDeclare(
		topic, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", topic, err)
	}
	return nil
}

func (q *AMQPQueue) Publish(topic string, job CampaignJob) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}

	// amqp.Channel is not safe for concurrent publishes.
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pub.Publish("", topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

func (q *AMQPQueue) Subscribe(topic string, handler Handler) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	if err := declare(ch, topic); err != nil {
		ch.Close()
		return err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("set qos: %w", err)
	}

	msgs, err := ch.Consume(
		topic,
		"",
		false, // autoAck = false for reliability
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		return fmt.Errorf("register consumer: %w", err)
	}

	q.mu.Lock()
	q.subs = append(q.subs, ch)
	q.mu.Unlock()

	log := q.log.With().Str("topic", topic).Logger()
	q.closeWg.Add(1)
	go func() {
		defer q.closeWg.Done()
		for d := range msgs {
			handleDelivery(d, handler, log)
		}
	}()
	return nil
}

// handleDelivery acks on success or bad payload, requeues a failed job once
// and drops it on the second failure.
func handleDelivery(d amqp.Delivery, handler Handler, log zerolog.Logger) {
	var job CampaignJob
	if err := json.Unmarshal(d.Body, &job); err != nil {
		log.Warn().Err(err).Msg("invalid job payload")
		_ = d.Ack(false)
		return
	}

	if err := handler(job); err != nil {
		log.Warn().Err(err).Int64("campaign_id", job.CampaignID).Bool("redelivered", d.Redelivered).Msg("job failed")
		if !d.Redelivered {
			_ = d.Nack(false, true)
			return
		}
	}
	_ = d.Ack(false)
}

func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	for _, ch := range q.subs {
		ch.Close()
	}
	q.pub.Close()
	q.mu.Unlock()

	err := q.conn.Close()
	q.closeWg.Wait()
	return err
}
