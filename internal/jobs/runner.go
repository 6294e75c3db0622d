package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
)

// Task names.
const (
	TaskUsageSync      = "usage-sync"
	TaskReconciliation = "reconciliation"
	TaskAlertSweep     = "alert-sweep"
	TaskPricingRefresh = "pricing-refresh"
)

var (
	// ErrTaskRunning is returned when a task is started while it runs.
	ErrTaskRunning = errors.New("task is already running")
	// ErrUnknownTask is returned for a name that was never added.
	ErrUnknownTask = errors.New("unknown task")
)

var jobRuns = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "spendly_job_runs_total",
		Help: "Scheduled and manual job runs by task and result",
	},
	[]string{"task", "result"},
)

// Task is a named unit of scheduled work.
type Task struct {
	Name     string
	Schedule string // standard five-field cron expression
	Run      func(ctx context.Context) error
}

// TaskStatus is a snapshot of one task.
type TaskStatus struct {
	Name         string     `json:"name"`
	Schedule     string     `json:"schedule"`
	Running      bool       `json:"running"`
	Runs         int        `json:"runs"`
	Failures     int        `json:"failures"`
	LastStarted  *time.Time `json:"lastStarted,omitempty"`
	LastFinished *time.Time `json:"lastFinished,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
	NextRun      *time.Time `json:"nextRun,omitempty"`
}

type taskState struct {
	task    Task
	entry   cron.EntryID
	running bool
	status  TaskStatus
}

// Runner schedules tasks on cron specs. A task never overlaps with itself,
// whether started by its schedule or by RunNow.
type Runner struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	wg     sync.WaitGroup

	mu    sync.Mutex
	tasks map[string]*taskState
}

// NewRunner creates a Runner whose schedules are read in loc.
func NewRunner(loc *time.Location) *Runner {
	if loc == nil {
		loc = time.UTC
	}
	logger := slog.Default().With("component", "jobs")
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cronLogger{logger}),
			cron.WithChain(cron.Recover(cronLogger{logger})),
		),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
		tasks:  make(map[string]*taskState),
	}
}

// Add registers a task. An empty schedule registers it for RunNow only.
func (r *Runner) Add(t Task) error {
	if t.Name == "" || t.Run == nil {
		return fmt.Errorf("task needs a name and a body")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[t.Name]; ok {
		return fmt.Errorf("task %q already added", t.Name)
	}

	st := &taskState{task: t, status: TaskStatus{Name: t.Name, Schedule: t.Schedule}}
	if t.Schedule != "" {
		job := cron.NewChain(cron.SkipIfStillRunning(cronLogger{r.logger})).Then(cron.FuncJob(func() {
			if err := r.Do(r.ctx, t.Name, t.Run); errors.Is(err, ErrTaskRunning) {
				r.logger.Info("scheduled run skipped, task still running", "task", t.Name)
			}
		}))
		id, err := r.cron.AddJob(t.Schedule, job)
		if err != nil {
			return fmt.Errorf("invalid schedule %q for task %s: %w", t.Schedule, t.Name, err)
		}
		st.entry = id
	}
	r.tasks[t.Name] = st
	return nil
}

// Start begins the schedules.
func (r *Runner) Start() {
	r.cron.Start()
	r.logger.Info("job runner started", "tasks", len(r.tasks))
}

// Stop halts the schedules and waits for running tasks. When ctx expires
// first, running tasks are cancelled and ctx's error is returned.
func (r *Runner) Stop(ctx context.Context) error {
	stopped := r.cron.Stop()

	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		r.wg.Wait()
		close(done)
	}()

	defer r.cancel()
	select {
	case <-done:
		r.logger.Info("job runner stopped")
		return nil
	case <-ctx.Done():
		r.logger.Warn("job runner stop timed out, cancelling running tasks")
		return ctx.Err()
	}
}

// RunNow runs a task's body synchronously on ctx.
func (r *Runner) RunNow(ctx context.Context, name string) error {
	r.mu.Lock()
	st, ok := r.tasks[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return r.Do(ctx, name, st.task.Run)
}

// Do runs fn under the named task's exclusion and records it in the task's
// status. It lets callers run a variant of a task and still keep the task
// from overlapping with itself.
func (r *Runner) Do(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	r.mu.Lock()
	st, ok := r.tasks[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	if st.running {
		r.mu.Unlock()
		jobRuns.WithLabelValues(name, "skipped").Inc()
		return ErrTaskRunning
	}
	started := time.Now()
	st.running = true
	st.status.LastStarted = &started
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()

	r.logger.Info("task started", "task", name)
	err := fn(ctx)
	finished := time.Now()

	r.mu.Lock()
	st.running = false
	st.status.Runs++
	st.status.LastFinished = &finished
	st.status.LastError = ""
	if err != nil {
		st.status.Failures++
		st.status.LastError = err.Error()
	}
	r.mu.Unlock()

	if err != nil {
		jobRuns.WithLabelValues(name, "failed").Inc()
		r.logger.Error("task failed", "task", name, "duration", finished.Sub(started), "error", err)
		return err
	}
	jobRuns.WithLabelValues(name, "ok").Inc()
	r.logger.Info("task finished", "task", name, "duration", finished.Sub(started))
	return nil
}

// Status returns a snapshot of every task, ordered by name.
func (r *Runner) Status() []TaskStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]TaskStatus, 0, len(r.tasks))
	for _, st := range r.tasks {
		s := st.status
		s.Running = st.running
		if st.entry != 0 {
			if next := r.cron.Entry(st.entry).Next; !next.IsZero() {
				s.NextRun = &next
			}
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger routes cron's logging through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
