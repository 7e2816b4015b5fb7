package types

import (
	"time"

	"github.com/robfig/cron/v3"
)

// CronManager schedules named background jobs. Specs use the
// six-field seconds-first format.
type CronManager interface {
	LifecycleManager
	Add(jobName, spec string, job func()) error
}

// JobEntry carries one job's schedule and accumulated run stats.
type JobEntry struct {
	ID            cron.EntryID
	Name          string
	Spec          string
	Job           func()
	AddedAt       time.Time
	LastRun       time.Time
	NextRun       time.Time
	LastDuration  time.Duration
	TotalDuration time.Duration
	AvgDuration   time.Duration
	RunCount      int64
	Error         error
}
