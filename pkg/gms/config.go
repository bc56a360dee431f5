package gms

import "time"

// Config holds the per-member protocol timeouts and view handler tuning.
// Zero fields fall back to DefaultConfig, except BatchWindow where zero
// means dispatch immediately.
type Config struct {
	JoinTimeout      time.Duration // wait for JOIN_RSP per attempt
	LeaveTimeout     time.Duration // wait for LEAVE_RSP, or for the coordinator's own leave view
	MergeTimeout     time.Duration // merge response collection; participants give up after twice this
	SendTimeout      time.Duration // bound on a single transport send
	MaxJoinAttempts  int
	MaxLeaveAttempts int

	BatchWindow time.Duration // coalescing window of the view handler
	BatchSize   int           // dispatch as soon as this many requests are queued
}

func DefaultConfig() Config {
	return Config{
		JoinTimeout:      2 * time.Second,
		LeaveTimeout:     2 * time.Second,
		MergeTimeout:     5 * time.Second,
		SendTimeout:      time.Second,
		MaxJoinAttempts:  5,
		MaxLeaveAttempts: 3,
		BatchWindow:      10 * time.Millisecond,
		BatchSize:        20,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = d.JoinTimeout
	}
	if c.LeaveTimeout <= 0 {
		c.LeaveTimeout = d.LeaveTimeout
	}
	if c.MergeTimeout <= 0 {
		c.MergeTimeout = d.MergeTimeout
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = d.SendTimeout
	}
	if c.MaxJoinAttempts <= 0 {
		c.MaxJoinAttempts = d.MaxJoinAttempts
	}
	if c.MaxLeaveAttempts <= 0 {
		c.MaxLeaveAttempts = d.MaxLeaveAttempts
	}
	if c.BatchWindow < 0 {
		c.BatchWindow = 0
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	return c
}
