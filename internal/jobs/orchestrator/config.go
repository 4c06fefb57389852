package orchestrator

import "time"

type Config struct {
	ClaimInterval time.Duration
	PollInterval  time.Duration
	// BuildTimeout bounds a job's wall-clock lifetime from creation, across retries.
	BuildTimeout time.Duration
	MaxRetries   int
	// A RUNNING job without a run id is considered abandoned once its claim is
	// older than StuckGraceMultiplier × PollInterval.
	StuckGraceMultiplier int
	// DispatchTimeout bounds every single provider call.
	DispatchTimeout time.Duration
	ClaimBatch      int
	PollBatch       int
}

func DefaultConfig() Config {
	return Config{
		ClaimInterval:        5 * time.Second,
		PollInterval:         10 * time.Second,
		BuildTimeout:         30 * time.Minute,
		MaxRetries:           1,
		StuckGraceMultiplier: 3,
		DispatchTimeout:      20 * time.Second,
		ClaimBatch:           1,
		PollBatch:            100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = d.ClaimInterval
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.BuildTimeout <= 0 {
		c.BuildTimeout = d.BuildTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.StuckGraceMultiplier <= 0 {
		c.StuckGraceMultiplier = d.StuckGraceMultiplier
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = d.DispatchTimeout
	}
	if c.ClaimBatch <= 0 {
		c.ClaimBatch = d.ClaimBatch
	}
	if c.PollBatch <= 0 {
		c.PollBatch = d.PollBatch
	}
	return c
}

// StuckGrace never drops below the dispatch timeout, otherwise recovery could
// requeue a job whose dispatch call is still in flight.
func (c Config) StuckGrace() time.Duration {
	g := time.Duration(c.StuckGraceMultiplier) * c.PollInterval
	if floor := c.DispatchTimeout + c.PollInterval; g < floor {
		g = floor
	}
	return g
}
