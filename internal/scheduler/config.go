package scheduler

import (
	"errors"
	"time"
)

var ErrInvalidConfig = errors.New("scheduler: invalid configuration")

// Config controls scheduler cadence and batch sizes.
type Config struct {
	RunInterval      time.Duration
	BatchSize        int
	WorkerCount      int
	MaxRetries       int
	ReminderLeadDays int
}

func DefaultConfig() Config {
	return Config{
		RunInterval:      15 * time.Minute,
		BatchSize:        50,
		WorkerCount:      8,
		MaxRetries:       3,
		ReminderLeadDays: 3,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = defaults.WorkerCount
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.ReminderLeadDays <= 0 {
		c.ReminderLeadDays = defaults.ReminderLeadDays
	}
	return c
}
