package queue

import (
	"log"

	"github.com/hibiken/asynq"
)

// Queue wraps the Asynq client and handler mux
type Queue struct {
	Client *asynq.Client
	Mux    *asynq.ServeMux

	redisOpt    asynq.RedisConnOpt
	concurrency int
}

// NewQueue creates a new queue client and handler mux
func NewQueue(redisURL string, concurrency int) (*Queue, error) {
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, err
	}

	client := asynq.NewClient(redisOpt)
	mux := asynq.NewServeMux()

	log.Printf("Queue client initialized (concurrency: %d)", concurrency)

	return &Queue{
		Client:      client,
		Mux:         mux,
		redisOpt:    redisOpt,
		concurrency: concurrency,
	}, nil
}

// RedisOpt returns the parsed Redis connection options
func (q *Queue) RedisOpt() asynq.RedisConnOpt {
	return q.redisOpt
}

// ServerConfig returns server configuration for the worker
func (q *Queue) ServerConfig() asynq.Config {
	return asynq.Config{
		Concurrency: q.concurrency,
		Queues: map[string]int{
			"critical": 6,
			"default":  3,
			"low":      1,
		},
	}
}

// Close gracefully closes the queue client
func (q *Queue) Close() error {
	if q.Client != nil {
		log.Println("Closing queue client...")
		return q.Client.Close()
	}
	return nil
}
