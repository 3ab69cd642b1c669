package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// JobFunc is the body of a maintenance job
type JobFunc func(ctx context.Context) error

// JobStatus describes the most recent run of a job
type JobStatus struct {
	Name        string     `json:"name"`
	Expression  string     `json:"expression"`
	Runs        int64      `json:"runs"`
	Failures    int64      `json:"failures"`
	LastRunTime *time.Time `json:"last_run_time,omitempty"`
	NextRunTime *time.Time `json:"next_run_time,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// CronScheduler runs named maintenance jobs on cron expressions with a
// seconds field. A job never overlaps with itself.
type CronScheduler struct {
	logger  *zap.Logger
	cron    *cron.Cron
	parser  cron.Parser
	timeout time.Duration

	mu   sync.Mutex
	ctx  context.Context
	jobs map[string]*cronJob
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

// NewCronScheduler creates a scheduler. timeout bounds a single job run;
// zero means no bound.
func NewCronScheduler(logger *zap.Logger, timeout time.Duration) *CronScheduler {
	cronLogger := &cronLogger{logger: logger.Named("cron")}
	cronOptions := []cron.Option{
		cron.WithSeconds(),
		cron.WithLogger(cronLogger),
		cron.WithChain(
			cron.Recover(cronLogger),
			cron.SkipIfStillRunning(cronLogger),
		),
	}

	return &CronScheduler{
		logger:  logger.Named("scheduler"),
		cron:    cron.New(cronOptions...),
		parser:  cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		timeout: timeout,
		ctx:     context.Background(),
		jobs:    make(map[string]*cronJob),
	}
}

// Start starts the cron loop. Jobs receive ctx and the loop stops when
// ctx is done.
func (s *CronScheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("Scheduler started", zap.Int("jobs", len(s.List())))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
}

// Stop stops the cron loop and waits for running jobs to finish
func (s *CronScheduler) Stop() {
	<-s.cron.Stop().Done()
}

// AddJob registers fn under name on the given cron expression
func (s *CronScheduler) AddJob(name, expression string, fn JobFunc) error {
	schedule, err := s.parser.Parse(expression)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidExpression, expression, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, name)
	}

	job := &cronJob{
		scheduler: s,
		fn:        fn,
		status:    JobStatus{Name: name, Expression: expression},
	}
	job.entryID = s.cron.Schedule(schedule, job)
	s.jobs[name] = job

	next := schedule.Next(time.Now())
	job.status.NextRunTime = &next

	s.logger.Info("Added job",
		zap.String("name", name),
		zap.String("expression", expression),
		zap.Time("next_run", next))

	return nil
}

// RemoveJob unregisters a job
func (s *CronScheduler) RemoveJob(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}

	s.cron.Remove(job.entryID)
	delete(s.jobs, name)

	s.logger.Info("Removed job", zap.String("name", name))
	return nil
}

// RunNow runs a registered job synchronously, outside its schedule
func (s *CronScheduler) RunNow(name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}

	return job.execute()
}

// Status returns the status of one job
func (s *CronScheduler) Status(name string) (JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[name]
	if !ok {
		return JobStatus{}, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	return job.snapshot(), nil
}

// List returns the status of every job ordered by name
func (s *CronScheduler) List() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]JobStatus, 0, len(s.jobs))
	for _, job := range s.jobs {
		statuses = append(statuses, job.snapshot())
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Name < statuses[j].Name
	})
	return statuses
}

func (s *CronScheduler) jobContext() (context.Context, context.CancelFunc) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return context.WithCancel(ctx)
}

// cronJob implements cron.Job
type cronJob struct {
	scheduler *CronScheduler
	fn        JobFunc
	entryID   cron.EntryID

	mu     sync.Mutex
	status JobStatus
}

// Run implements cron.Job
func (j *cronJob) Run() {
	// errors are recorded in the job status and logged by execute
	_ = j.execute()
}

func (j *cronJob) execute() error {
	ctx, cancel := j.scheduler.jobContext()
	defer cancel()

	started := time.Now()
	err := j.fn(ctx)

	j.mu.Lock()
	j.status.Runs++
	j.status.LastRunTime = &started
	if err != nil {
		j.status.Failures++
		j.status.LastError = err.Error()
	} else {
		j.status.LastError = ""
	}
	if entry := j.scheduler.cron.Entry(j.entryID); entry.Valid() && !entry.Next.IsZero() {
		next := entry.Next
		j.status.NextRunTime = &next
	}
	name := j.status.Name
	j.mu.Unlock()

	if err != nil {
		j.scheduler.logger.Error("Job failed",
			zap.String("name", name),
			zap.Duration("duration", time.Since(started)),
			zap.Error(err))
		return err
	}

	j.scheduler.logger.Info("Job completed",
		zap.String("name", name),
		zap.Duration("duration", time.Since(started)))
	return nil
}

func (j *cronJob) snapshot() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}
