package scheduler

import (
	"context"
	"fmt"

	"github.com/openmc/dropwatch/internal/model"
)

// JobStore keeps the job collection as a single ordered list under
// model.KeyScheduledMonitors.
type JobStore struct {
	kv model.KV
}

func NewJobStore(kv model.KV) JobStore {
	return JobStore{kv: kv}
}

func (s JobStore) List(ctx context.Context) ([]model.Job, error) {
	var jobs []model.Job
	if _, err := s.kv.Get(ctx, model.KeyScheduledMonitors, &jobs); err != nil {
		return nil, fmt.Errorf("loading scheduled monitors: %w", err)
	}
	return jobs, nil
}

func (s JobStore) Get(ctx context.Context, id string) (model.Job, bool, error) {
	jobs, err := s.List(ctx)
	if err != nil {
		return model.Job{}, false, err
	}
	for _, j := range jobs {
		if j.ID == id {
			return j, true, nil
		}
	}
	return model.Job{}, false, nil
}

// Upsert replaces the job with the same id in place or appends it.
func (s JobStore) Upsert(ctx context.Context, job model.Job) error {
	jobs, err := s.List(ctx)
	if err != nil {
		return err
	}
	replaced := false
	for i := range jobs {
		if jobs[i].ID == job.ID {
			jobs[i] = job
			replaced = true
			break
		}
	}
	if !replaced {
		jobs = append(jobs, job)
	}
	return s.save(ctx, jobs)
}

// Remove deletes the job and reports whether it existed.
func (s JobStore) Remove(ctx context.Context, id string) (bool, error) {
	return s.RemoveFunc(ctx, func(j model.Job) bool { return j.ID == id })
}

// RemoveFunc deletes every job matching fn and reports whether any did.
func (s JobStore) RemoveFunc(ctx context.Context, fn func(model.Job) bool) (bool, error) {
	jobs, err := s.List(ctx)
	if err != nil {
		return false, err
	}
	kept := jobs[:0]
	for _, j := range jobs {
		if !fn(j) {
			kept = append(kept, j)
		}
	}
	if len(kept) == len(jobs) {
		return false, nil
	}
	return true, s.save(ctx, kept)
}

func (s JobStore) save(ctx context.Context, jobs []model.Job) error {
	if jobs == nil {
		jobs = []model.Job{}
	}
	if err := s.kv.Set(ctx, model.KeyScheduledMonitors, jobs); err != nil {
		return fmt.Errorf("saving scheduled monitors: %w", err)
	}
	return nil
}
