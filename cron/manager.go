package cron

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-gate/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// Manager schedules background jobs with a seconds-granularity cron.
// The gate uses it for the permission cache flush schedule and cache
// maintenance; callers may add their own jobs before or after Start.
type Manager struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	metrics         types.MetricsManager
	cron            *cron.Cron
	timezone        *time.Location
	jobs            map[string]*types.JobEntry
	state           atomic.Value
	mu              sync.RWMutex
	activeJobs      map[string]context.CancelFunc
	activeJobsMu    sync.Mutex
	shutdown        chan struct{}
	shutdownOnce    sync.Once
	shutdownTimeout time.Duration
	jobTimeout      time.Duration
}

func NewManager(ctx context.Context, config types.ConfigManager, logger types.Logger, metrics types.MetricsManager) (types.CronManager, error) {
	timezone := resolveTimezone(config, logger)

	managerCtx, cancel := context.WithCancel(ctx)

	manager := &Manager{
		ctx:      managerCtx,
		cancel:   cancel,
		logger:   logger,
		metrics:  metrics,
		timezone: timezone,
		cron: cron.New(
			cron.WithLocation(timezone),
			cron.WithSeconds(),
			cron.WithChain(cron.Recover(safeCronLogger{logger: logger})),
		),
		jobs:            make(map[string]*types.JobEntry),
		activeJobs:      make(map[string]context.CancelFunc),
		shutdown:        make(chan struct{}),
		shutdownTimeout: 10 * time.Second,
		jobTimeout:      30 * time.Minute,
	}

	manager.state.Store(StateStopped)

	return manager, nil
}

// resolveTimezone falls back to UTC rather than failing startup: a
// schedule in the wrong zone still fires, a dead scheduler does not.
func resolveTimezone(config types.ConfigManager, logger types.Logger) *time.Location {
	cronConfig := config.GetConfig().Cron
	if cronConfig == nil || cronConfig.Timezone == "" {
		return time.UTC
	}

	location, err := time.LoadLocation(cronConfig.Timezone)
	if err != nil {
		logger.Warn("Unknown cron timezone, falling back to UTC",
			zap.String("timezone", cronConfig.Timezone))
		return time.UTC
	}

	return location
}

func (m *Manager) Add(jobName, spec string, job func()) error {
	if jobName == "" {
		return types.ErrCronJobNameIsEmpty
	}

	if spec == "" {
		return types.ErrCronExpressionInvalid
	}

	if job == nil {
		return types.ErrCronJobIsNil
	}

	return m.addJob(jobName, spec, m.wrapJob(jobName, job))
}

func (m *Manager) Start() error {
	if !m.transitionState(StateStopped, StateStarting) {
		return types.ErrCronIsRunning
	}

	defer func() {
		if m.getState() == StateStarting {
			m.setState(StateRunning)
		}
	}()

	m.cron.Start()
	m.setGauge("cron_scheduler_running", 1)
	m.logger.Info("Cron manager started", zap.String("timezone", m.timezone.String()))
	return nil
}

func (m *Manager) Stop() error {
	if !m.transitionState(StateRunning, StateStopping) &&
		!m.transitionState(StateStarting, StateStopping) {
		return types.ErrServerNotRunning
	}

	var err error
	m.shutdownOnce.Do(func() {
		defer func() {
			m.setState(StateStopped)
			m.cancel()
		}()

		close(m.shutdown)
		err = m.stop()
		m.setGauge("cron_scheduler_running", 0)
		m.setGauge("cron_active_jobs", 0)

		if err == nil {
			m.logger.Info("Cron scheduler stopped gracefully")
		}
	})

	return err
}

func (m *Manager) IsRunning() bool {
	return m.getState() == StateRunning
}

// Jobs returns a snapshot of every registered job with its run stats.
func (m *Manager) Jobs() []types.JobEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]types.JobEntry, 0, len(m.jobs))
	for _, entry := range m.jobs {
		entries = append(entries, *entry)
	}
	return entries
}

func (m *Manager) addJob(jobName, spec string, job func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.shutdown:
		return types.ErrCronSchedulerStopped
	default:
	}

	if _, exists := m.jobs[jobName]; exists {
		return types.ErrCronJobExists
	}

	entryID, err := m.cron.AddFunc(spec, job)
	if err != nil {
		return types.Errorf(types.ErrCronExpressionInvalid, "%s: %v", spec, err)
	}

	entry := &types.JobEntry{
		ID:      entryID,
		Name:    jobName,
		Spec:    spec,
		Job:     job,
		AddedAt: time.Now(),
	}
	m.refreshNextRun(entry)
	m.jobs[jobName] = entry

	m.logger.Info("Cron job added",
		zap.String("job_name", jobName),
		zap.String("spec", spec))

	return nil
}

// wrapJob is the scheduler-facing closure: it keeps the run stats,
// bounds the run with jobTimeout and makes sure a panicking or stuck
// job never takes the scheduler down with it.
func (m *Manager) wrapJob(jobName string, job func()) func() {
	return func() {
		select {
		case <-m.shutdown:
			m.logger.Info("Job skipped due to shutdown", zap.String("job_name", jobName))
			return
		default:
		}

		startTime := time.Now()
		m.jobStarted(jobName, startTime)

		jobCtx, cancel := context.WithTimeout(m.ctx, m.jobTimeout)
		defer cancel()

		if !m.registerActiveJob(jobName, cancel) {
			m.logger.Info("Job cancelled due to manager shutdown", zap.String("job_name", jobName))
			return
		}
		defer m.unregisterActiveJob(jobName)

		m.addGauge("cron_active_jobs", 1)
		defer m.addGauge("cron_active_jobs", -1)

		err := m.runGuarded(jobCtx, jobName, job)
		duration := time.Since(startTime)

		result := "success"
		if err != nil {
			result = "error"
		}

		m.recordRun(jobName, result, duration.Seconds())
		m.jobFinished(jobName, duration, err)

		if err != nil {
			m.logger.Error("Cron job failed",
				zap.String("job_name", jobName),
				zap.Duration("duration", duration),
				zap.Error(err))
		} else {
			m.logger.Debug("Cron job completed",
				zap.String("job_name", jobName),
				zap.Duration("duration", duration))
		}
	}
}

// runGuarded executes the job on its own goroutine. A panic becomes
// ErrCronJobFailed, an expired context ErrCronJobTimeout. An overrun is
// abandoned rather than killed; the goroutine gets a short grace period
// to come back before it is reported as leaked.
func (m *Manager) runGuarded(ctx context.Context, jobName string, job func()) error {
	var jobErr error
	var finished int32
	done := make(chan struct{})

	go func() {
		defer func() {
			if r := recover(); r != nil {
				jobErr = types.Errorf(types.ErrCronJobFailed, "job panic: %v", r)
				m.logger.Error("Job panicked",
					zap.String("job_name", jobName),
					zap.Any("panic", r))
			}
			atomic.StoreInt32(&finished, 1)
			close(done)
		}()

		job()
	}()

	select {
	case <-done:
		return jobErr
	case <-ctx.Done():
	}

	var interruptErr error
	if types.IsError(ctx.Err(), context.DeadlineExceeded) {
		interruptErr = types.Errorf(types.ErrCronJobTimeout, "timeout after %v", m.jobTimeout)
	} else {
		interruptErr = types.WrapError(ctx.Err(), "job canceled")
	}

	m.logger.Error("Cron job interrupted",
		zap.String("job_name", jobName),
		zap.Error(interruptErr))

	grace := time.NewTimer(5 * time.Second)
	select {
	case <-done:
		grace.Stop()
	case <-grace.C:
		if atomic.LoadInt32(&finished) == 0 {
			m.logger.Warn("Job goroutine did not finish gracefully",
				zap.String("job_name", jobName))
		}
	}

	return interruptErr
}

func (m *Manager) stop() error {
	m.cancelActiveJobs()

	stopCtx := m.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-time.After(m.shutdownTimeout):
		m.logger.Warn("Cron manager stop timeout, some jobs may still be running")
		return types.ErrCronJobTimeout
	}
}

func (m *Manager) cancelActiveJobs() {
	m.activeJobsMu.Lock()
	cancels := make([]context.CancelFunc, 0, len(m.activeJobs))
	for _, cancel := range m.activeJobs {
		cancels = append(cancels, cancel)
	}
	m.activeJobs = make(map[string]context.CancelFunc)
	m.activeJobsMu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

func (m *Manager) registerActiveJob(jobName string, cancel context.CancelFunc) bool {
	m.activeJobsMu.Lock()
	defer m.activeJobsMu.Unlock()

	select {
	case <-m.shutdown:
		return false
	default:
	}

	// A previous run of the same job that is still draining gets
	// cancelled; one run per job at a time.
	if previous, exists := m.activeJobs[jobName]; exists {
		previous()
	}

	m.activeJobs[jobName] = cancel
	return true
}

func (m *Manager) unregisterActiveJob(jobName string) {
	m.activeJobsMu.Lock()
	defer m.activeJobsMu.Unlock()

	if cancel, exists := m.activeJobs[jobName]; exists {
		cancel()
		delete(m.activeJobs, jobName)
	}
}

// jobStarted resets the entry for the new run; a stale error from the
// previous run must not outlive it.
func (m *Manager) jobStarted(jobName string, startTime time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.jobs[jobName]
	if !exists {
		return
	}

	entry.LastRun = startTime
	entry.Error = nil
	m.refreshNextRun(entry)
}

func (m *Manager) jobFinished(jobName string, duration time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.jobs[jobName]
	if !exists {
		return
	}

	entry.LastDuration = duration
	entry.TotalDuration += duration
	entry.RunCount++
	entry.AvgDuration = entry.TotalDuration / time.Duration(entry.RunCount)
	entry.Error = err
	m.refreshNextRun(entry)
}

// refreshNextRun must be called with m.mu held.
func (m *Manager) refreshNextRun(entry *types.JobEntry) {
	if cronEntry := m.cron.Entry(entry.ID); cronEntry.ID != 0 {
		entry.NextRun = cronEntry.Next
	}
}

var cronDurationBuckets = []float64{0.1, 1.0, 10.0, 60.0, 300.0, 1800.0}

func (m *Manager) recordRun(jobName, result string, seconds float64) {
	if m.metrics == nil {
		return
	}

	m.metrics.Counter("cron_job_executions_total", map[string]string{
		"job_name": jobName,
		"result":   result,
	}).Inc()

	if result != "success" {
		m.metrics.Counter("cron_job_errors_total", map[string]string{
			"job_name": jobName,
		}).Inc()
	}

	m.metrics.Histogram("cron_job_duration_seconds", cronDurationBuckets,
		map[string]string{"job_name": jobName}).Observe(seconds)
}

func (m *Manager) setGauge(name string, value float64) {
	if m.metrics == nil {
		return
	}
	m.metrics.Gauge(name, nil).Set(value)
}

func (m *Manager) addGauge(name string, delta float64) {
	if m.metrics == nil {
		return
	}
	m.metrics.Gauge(name, nil).Add(delta)
}

func (m *Manager) getState() State {
	return m.state.Load().(State)
}

func (m *Manager) setState(newState State) bool {
	currentState := m.getState()
	return m.state.CompareAndSwap(currentState, newState)
}

func (m *Manager) transitionState(from, to State) bool {
	return m.state.CompareAndSwap(from, to)
}

// safeCronLogger adapts the zap logger to the cron library's logging
// interface. It must never panic: it runs inside the scheduler's
// Recover chain, which calls it while handling another panic.
type safeCronLogger struct {
	logger types.Logger
}

func (l safeCronLogger) Info(msg string, keysAndValues ...interface{}) {
	defer suppressLoggerPanic("Info")
	l.logger.Info(msg, cronFields(keysAndValues)...)
}

func (l safeCronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	defer suppressLoggerPanic("Error")
	l.logger.Error(msg, append(cronFields(keysAndValues), zap.Error(err))...)
}

func suppressLoggerPanic(method string) {
	if r := recover(); r != nil {
		fmt.Printf("cron logger panic in %s: %v\n", method, r)
	}
}

func cronFields(keysAndValues []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(keysAndValues)/2+1)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields = append(fields, zap.Any(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1]))
	}
	return fields
}
