// Package memory provides an in-process jobqueue.Store implementation
// backed by a guarded map. It is the primary fixture for unit tests and is
// explicitly sanctioned by the core design as "an alternative storage
// backend": a memory-backed implementation suffices for tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/paulgsc/relayq/internal/jobqueue"
)

var _ jobqueue.Store = (*Store)(nil)

// Store is a goroutine-safe, in-memory jobqueue.Store. The zero value is
// not usable; construct with New.
type Store struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*jobqueue.Job
	now  func() time.Time
}

// New returns an empty Store. nowFn defaults to time.Now when nil, and
// exists so tests can control claim/retry timing deterministically.
func New(nowFn func() time.Time) *Store {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Store{jobs: make(map[uuid.UUID]*jobqueue.Job), now: nowFn}
}

func clone(j *jobqueue.Job) jobqueue.Job {
	cp := *j
	if j.UniqHash != nil {
		h := *j.UniqHash
		cp.UniqHash = &h
	}
	if j.RunningAt != nil {
		t := *j.RunningAt
		cp.RunningAt = &t
	}
	if j.DoneAt != nil {
		t := *j.DoneAt
		cp.DoneAt = &t
	}
	if j.ErrorInfo != nil {
		e := *j.ErrorInfo
		cp.ErrorInfo = &e
	}
	return cp
}

// Enqueue implements jobqueue.Store.
func (s *Store) Enqueue(_ context.Context, newJob jobqueue.NewJob) (jobqueue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if newJob.UniqHash != nil {
		for _, existing := range s.jobs {
			if existing.TaskName != newJob.TaskName {
				continue
			}
			if existing.UniqHash == nil || *existing.UniqHash != *newJob.UniqHash {
				continue
			}
			if existing.State() == jobqueue.Done || existing.State() == jobqueue.Failed {
				continue
			}
			return jobqueue.Job{}, &jobqueue.DuplicateEnqueue{TaskName: newJob.TaskName, UniqHash: *newJob.UniqHash}
		}
	}

	now := s.now()
	job := &jobqueue.Job{
		ID:           jobqueue.NewJobID(),
		TaskName:     newJob.TaskName,
		QueueName:    newJob.QueueName,
		UniqHash:     newJob.UniqHash,
		Payload:      newJob.Payload,
		TimeoutMsecs: newJob.TimeoutMsecs,
		CreatedAt:    now,
		ScheduledAt:  now,
		Retries:      0,
		MaxRetries:   newJob.MaxRetries,
		BackoffMode:  newJob.BackoffMode,
	}
	s.jobs[job.ID] = job
	return clone(job), nil
}

// PullNext implements jobqueue.Store.
func (s *Store) PullNext(_ context.Context, queueName string, executionTimeout *time.Duration, allowedTaskNames []string) (*jobqueue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	allowed := make(map[string]bool, len(allowedTaskNames))
	for _, n := range allowedTaskNames {
		allowed[n] = true
	}

	now := s.now()

	var candidates []*jobqueue.Job
	for _, job := range s.jobs {
		if job.QueueName != queueName || !allowed[job.TaskName] {
			continue
		}
		if job.DoneAt != nil {
			continue
		}
		if job.ScheduledAt.After(now) {
			continue
		}
		if job.RunningAt == nil {
			candidates = append(candidates, job)
			continue
		}
		if executionTimeout != nil && job.RunningAt.Before(now.Add(-*executionTimeout)) {
			candidates = append(candidates, job)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].ID.String() < candidates[j].ID.String()
	})

	claimed := candidates[0]
	claimed.RunningAt = &now
	result := clone(claimed)
	return &result, nil
}

// SetTaskState implements jobqueue.Store.
func (s *Store) SetTaskState(_ context.Context, id uuid.UUID, state jobqueue.State, errInfo *jobqueue.ErrorInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil
	}
	if job.DoneAt != nil {
		return nil // idempotent: already terminal
	}

	now := s.now()
	switch state {
	case jobqueue.Done:
		job.DoneAt = &now
		job.ErrorInfo = nil
	case jobqueue.Failed:
		job.DoneAt = &now
		job.ErrorInfo = errInfo
	default:
		// no-op for non-terminal target states
	}
	return nil
}

// ScheduleTaskRetry implements jobqueue.Store.
func (s *Store) ScheduleTaskRetry(_ context.Context, id uuid.UUID, backoff time.Duration, errInfo jobqueue.ErrorInfo) (jobqueue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return jobqueue.Job{}, jobqueue.NewStorageError("schedule_task_retry", errNotFound(id))
	}

	job.Retries++
	job.ScheduledAt = s.now().Add(backoff)
	job.RunningAt = nil
	info := errInfo
	job.ErrorInfo = &info
	return clone(job), nil
}

// RemoveTask implements jobqueue.Store.
func (s *Store) RemoveTask(_ context.Context, id uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return 0, nil
	}
	delete(s.jobs, id)
	return 1, nil
}

// Get returns a snapshot of the job with id, for test assertions.
func (s *Store) Get(id uuid.UUID) (jobqueue.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return jobqueue.Job{}, false
	}
	return clone(job), true
}

// Len returns the number of records currently stored, for test assertions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

type notFoundError struct{ id uuid.UUID }

func (e *notFoundError) Error() string { return "job not found: " + e.id.String() }

func errNotFound(id uuid.UUID) error { return &notFoundError{id: id} }
