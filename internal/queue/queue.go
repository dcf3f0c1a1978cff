package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Topics. Messages only nudge workers; the work itself is re-derived from
// item status columns, so a lost message delays work until the next tick.
const (
	TopicGenerate = "campaign.generate"
	TopicDispatch = "campaign.dispatch"
)

// CampaignJob is the payload of both topics.
type CampaignJob struct {
	CampaignID int64 `json:"campaign_id"`
}

type Handler func(job CampaignJob) error

// Queue interface
type Queue interface {
	Publish(topic string, job CampaignJob) error
	Subscribe(topic string, handler Handler) error
	Close() error
}

// InMemoryQueue delivers in-process with retry. Used when no broker is configured.
type InMemoryQueue struct {
	mu       sync.Mutex
	handlers map[string][]Handler
	wg       sync.WaitGroup

	MaxRetries int
	RetryDelay time.Duration
	Log        zerolog.Logger
}

// NewInMemoryQueue creates a new queue
func NewInMemoryQueue(log zerolog.Logger) *InMemoryQueue {
	return &InMemoryQueue{
		handlers:   make(map[string][]Handler),
		MaxRetries: 3,
		RetryDelay: 500 * time.Millisecond,
		Log:        log,
	}
}

// Publish sends a message to all subscribers
func (q *InMemoryQueue) Publish(topic string, job CampaignJob) error {
	q.mu.Lock()
	handlers := q.handlers[topic]
	q.mu.Unlock()

	if len(handlers) == 0 {
		return fmt.Errorf("no subscribers for topic %s", topic)
	}

	for _, handler := range handlers {
		q.wg.Add(1)
		go q.processJob(topic, handler, job)
	}
	return nil
}

// processJob handles retries and errors
func (q *InMemoryQueue) processJob(topic string, handler Handler, job CampaignJob) {
	defer q.wg.Done()
	log := q.Log.With().Str("topic", topic).Int64("campaign_id", job.CampaignID).Logger()

	for attempt := 0; attempt <= q.MaxRetries; attempt++ {
		err := handler(job)
		if err == nil {
			log.Debug().Msg("job processed")
			return
		}

		log.Warn().Err(err).Int("attempt", attempt+1).Int("max_retries", q.MaxRetries).Msg("job failed")
		if attempt == q.MaxRetries {
			log.Error().Msg("job dropped after retries")
			return
		}
		time.Sleep(time.Duration(attempt+1) * q.RetryDelay)
	}
}

// Subscribe adds a handler for a topic
func (q *InMemoryQueue) Subscribe(topic string, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.handlers[topic] = append(q.handlers[topic], handler)
	return nil
}

// Close waits for in-flight jobs.
func (q *InMemoryQueue) Close() error {
	q.wg.Wait()
	return nil
}
