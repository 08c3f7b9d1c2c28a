// Copyright (c) 2025, Lux Industries Inc
// SPDX-License-Identifier: BSD-3-Clause

// Package queue carries bootstrap jobs from clients to workers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Common errors.
var (
	ErrQueueEmpty     = errors.New("queue is empty")
	ErrJobNotFound    = errors.New("job not found")
	ErrConnectionLost = errors.New("queue connection lost")
	ErrInvalidJob     = errors.New("invalid job")
)

// jobTTL bounds how long job records outlive their last update.
const jobTTL = 24 * time.Hour

// JobStatus represents the state of a job.
type JobStatus uint8

const (
	StatusPending JobStatus = iota
	StatusProcessing
	StatusCompleted
	StatusFailed
)

func (s JobStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusProcessing:
		return "processing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("JobStatus(%d)", uint8(s))
	}
}

// Job is a request to bootstrap a stored batch of ciphertexts through a
// look-up table.
type Job struct {
	ID string `json:"id"`
	// BatchHandle addresses the encoded input batch in storage
	BatchHandle string `json:"batch_handle"`
	// Table lists f(m) for every message m in [0, p)
	Table []int `json:"table"`
	// Strategy is "auto", "amortized" or "low-latency"
	Strategy string `json:"strategy,omitempty"`
	// Precision is 32 or 64
	Precision    int       `json:"precision"`
	ResultHandle string    `json:"result_handle,omitempty"`
	Samples      int       `json:"samples,omitempty"`
	Status       JobStatus `json:"status"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Validate checks the fields a client must fill in.
func (j *Job) Validate() error {
	switch {
	case j.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidJob)
	case j.BatchHandle == "":
		return fmt.Errorf("%w: %s has no batch", ErrInvalidJob, j.ID)
	case len(j.Table) == 0:
		return fmt.Errorf("%w: %s has no table", ErrInvalidJob, j.ID)
	case j.Precision != 32 && j.Precision != 64:
		return fmt.Errorf("%w: %s has precision %d", ErrInvalidJob, j.ID, j.Precision)
	}
	return nil
}

// Queue defines the interface for job queue operations.
type Queue interface {
	// Push adds a job to the queue.
	Push(ctx context.Context, job *Job) error
	// Pop blocks until a job is available and removes it from the queue.
	Pop(ctx context.Context) (*Job, error)
	// Update stores the job's new status.
	Update(ctx context.Context, job *Job) error
	// Get retrieves a job by ID.
	Get(ctx context.Context, id string) (*Job, error)
	// Close closes the queue connection.
	Close() error
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// DefaultRedisConfig returns the settings of a local Redis.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{Addr: "localhost:6379"}
}

// QueueKey returns the Redis list holding pending job IDs.
func QueueKey(name string) string { return "pbs:queue:" + name }

// JobKey returns the Redis key of a job record.
func JobKey(id string) string { return "pbs:job:" + id }

// RedisQueue implements Queue using Redis.
type RedisQueue struct {
	client   *redis.Client
	queueKey string
}

// NewRedisQueue connects to Redis and returns the queue called name.
func NewRedisQueue(cfg RedisConfig, name string) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: redis ping: %v", ErrConnectionLost, err)
	}

	return &RedisQueue{client: client, queueKey: QueueKey(name)}, nil
}

func (q *RedisQueue) Push(ctx context.Context, job *Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	job.CreatedAt = time.Now()
	job.UpdatedAt = job.CreatedAt
	job.Status = StatusPending

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, JobKey(job.ID), data, jobTTL)
	pipe.LPush(ctx, q.queueKey, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push job: %w", err)
	}
	return nil
}

func (q *RedisQueue) Pop(ctx context.Context) (*Job, error) {
	result, err := q.client.BRPop(ctx, 0, q.queueKey).Result()
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if errors.Is(err, redis.ErrClosed) {
			return nil, ErrConnectionLost
		}
		return nil, fmt.Errorf("pop job: %w", err)
	}
	if len(result) < 2 {
		return nil, ErrQueueEmpty
	}
	return q.Get(ctx, result[1])
}

func (q *RedisQueue) Update(ctx context.Context, job *Job) error {
	job.UpdatedAt = time.Now()

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.Set(ctx, JobKey(job.ID), data, jobTTL).Err(); err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

func (q *RedisQueue) Get(ctx context.Context, id string) (*Job, error) {
	data, err := q.client.Get(ctx, JobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("get job: %w", err)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &job, nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// MemoryQueue is an in-process Queue for single-node deployments and tests.
type MemoryQueue struct {
	mu      sync.Mutex
	jobs    map[string][]byte
	pending chan string
	closed  chan struct{}
	once    sync.Once
}

// NewMemoryQueue returns a queue holding at most capacity pending jobs.
func NewMemoryQueue(capacity int) *MemoryQueue {
	return &MemoryQueue{
		jobs:    make(map[string][]byte),
		pending: make(chan string, capacity),
		closed:  make(chan struct{}),
	}
}

func (q *MemoryQueue) Push(ctx context.Context, job *Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	job.CreatedAt = time.Now()
	job.UpdatedAt = job.CreatedAt
	job.Status = StatusPending
	if err := q.Update(ctx, job); err != nil {
		return err
	}

	select {
	case q.pending <- job.ID:
		return nil
	case <-q.closed:
		return ErrConnectionLost
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Pop(ctx context.Context) (*Job, error) {
	select {
	case id := <-q.pending:
		return q.Get(ctx, id)
	case <-q.closed:
		return nil, ErrConnectionLost
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) Update(ctx context.Context, job *Job) error {
	job.UpdatedAt = time.Now()
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	q.mu.Lock()
	q.jobs[job.ID] = data
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Get(ctx context.Context, id string) (*Job, error) {
	q.mu.Lock()
	data, ok := q.jobs[id]
	q.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &job, nil
}

func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.closed) })
	return nil
}
