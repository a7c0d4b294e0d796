package daemon

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gentoomaniac/fsguard/pkg/verifier"
	"github.com/google/uuid"
)

const (
	JobScan     = "scan"
	JobBaseline = "baseline"

	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

var ErrJobNotFound = errors.New("job not found")

// Job is a long running operation started over the control socket.
type Job struct {
	ID         string               `json:"id"`
	Kind       string               `json:"kind"`
	Path       string               `json:"path,omitempty"`
	State      string               `json:"state"`
	Started    time.Time            `json:"started"`
	Finished   *time.Time           `json:"finished,omitempty"`
	Report     *verifier.ScanReport `json:"report,omitempty"`
	Generation int64                `json:"generation,omitempty"`
	Error      string               `json:"error,omitempty"`

	cancel context.CancelFunc
}

// jobs keeps every job of the daemon's lifetime. Finished jobs stay
// queryable, only the newest keep are retained.
type jobs struct {
	mu   sync.Mutex
	all  map[string]*Job
	keep int
	wg   sync.WaitGroup
}

func newJobs(keep int) *jobs {
	return &jobs{all: make(map[string]*Job), keep: keep}
}

// start runs fn in the background. fn reports progress through update.
func (j *jobs) start(ctx context.Context, kind, path string, fn func(ctx context.Context, update func(func(*Job))) error) Job {
	ctx, cancel := context.WithCancel(ctx)
	job := &Job{ID: uuid.NewString(), Kind: kind, Path: path, State: JobRunning, Started: time.Now(), cancel: cancel}

	j.mu.Lock()
	j.all[job.ID] = job
	j.prune()
	snapshot := *job
	j.mu.Unlock()

	update := func(change func(*Job)) {
		j.mu.Lock()
		change(job)
		j.mu.Unlock()
	}

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		defer cancel()
		err := fn(ctx, update)
		update(func(job *Job) {
			now := time.Now()
			job.Finished = &now
			switch {
			case err == nil:
				job.State = JobCompleted
			case errors.Is(err, context.Canceled):
				job.State = JobCancelled
			default:
				job.State = JobFailed
				job.Error = err.Error()
			}
		})
	}()
	return snapshot
}

// prune drops the oldest finished jobs beyond keep. Callers hold mu.
func (j *jobs) prune() {
	if len(j.all) <= j.keep {
		return
	}
	var finished []*Job
	for _, job := range j.all {
		if job.State != JobRunning {
			finished = append(finished, job)
		}
	}
	sort.Slice(finished, func(a, b int) bool { return finished[a].Started.Before(finished[b].Started) })
	for _, job := range finished {
		if len(j.all) <= j.keep {
			return
		}
		delete(j.all, job.ID)
	}
}

func (j *jobs) get(id string) (Job, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	job, ok := j.all[id]
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return *job, nil
}

func (j *jobs) cancel(id string) (Job, error) {
	j.mu.Lock()
	job, ok := j.all[id]
	j.mu.Unlock()
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	job.cancel()
	return j.get(id)
}

// running returns the running jobs of kind, or all kinds if kind is empty.
func (j *jobs) running(kind string) []Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	var result []Job
	for _, job := range j.all {
		if job.State == JobRunning && (kind == "" || job.Kind == kind) {
			result = append(result, *job)
		}
	}
	sort.Slice(result, func(a, b int) bool { return result[a].Started.Before(result[b].Started) })
	return result
}

// wait blocks until every job goroutine returned.
func (j *jobs) wait() {
	j.wg.Wait()
}
