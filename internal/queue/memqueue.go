package queue

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memJob struct {
	job       Job
	deliverAt time.Time
}

// MemQueue is an in-process Queue for unit tests that don't need a live
// RabbitMQ broker. Delayed jobs are held until their deliverAt passes;
// Consume polls rather than blocks on a channel, which is fine for tests.
type MemQueue struct {
	mu          sync.Mutex
	queues      map[Label][]memJob
	maxAttempts int
	now         func() time.Time
	nextID      int
	closed      bool
}

// NewMemQueue creates an empty MemQueue.
func NewMemQueue() *MemQueue {
	return &MemQueue{
		queues:      make(map[Label][]memJob),
		maxAttempts: 10,
		now:         time.Now,
	}
}

func (q *MemQueue) Enqueue(_ context.Context, label Label, payload []byte) error {
	return q.enqueueAt(label, payload, 1, q.now())
}

func (q *MemQueue) EnqueueDelayed(_ context.Context, label Label, payload []byte, delay time.Duration) error {
	return q.enqueueAt(label, payload, 1, q.now().Add(delay))
}

func (q *MemQueue) enqueueAt(label Label, payload []byte, attempt int, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	job := Job{ID: strconv.Itoa(q.nextID), Label: label, Body: payload, Attempt: attempt}
	q.queues[label] = append(q.queues[label], memJob{job: job, deliverAt: at})
	return nil
}

// Consume runs a single-threaded poll loop until ctx is cancelled. It is
// not concurrency-limited the way AMQPQueue is — tests that need to
// assert on concurrency should drive handler calls directly instead.
func (q *MemQueue) Consume(ctx context.Context, label Label, _ int, handler Handler) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			job, ok := q.pop(label)
			if !ok {
				continue
			}
			if err := handler(ctx, job); err != nil {
				q.retryOrDrop(label, job)
			}
		}
	}
}

func (q *MemQueue) pop(label Label) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := q.queues[label]
	now := q.now()
	for i, mj := range jobs {
		if !mj.deliverAt.After(now) {
			q.queues[label] = append(jobs[:i:i], jobs[i+1:]...)
			return mj.job, true
		}
	}
	return Job{}, false
}

func (q *MemQueue) retryOrDrop(label Label, job Job) {
	if job.Attempt >= q.maxAttempts {
		return // dead-lettered: dropped in this fake, no DLQ inspection needed by tests today
	}
	delay := BackoffDelay(time.Second, job.Attempt+1, 5*time.Minute)
	q.enqueueAt(label, job.Body, job.Attempt+1, q.now().Add(delay))
}

// Len reports how many jobs (deliverable or not) are queued for label —
// a test helper, not part of the Queue interface.
func (q *MemQueue) Len(label Label) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[label])
}

func (q *MemQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
