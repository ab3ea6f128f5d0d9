//go:build linux || darwin

package main

import "time"

// Stats represents current server stats for dashboards & API.
type Stats struct {
	Active    int     `json:"active"`
	Total     int64   `json:"total"`
	PowFailed int64   `json:"pow_failed"`
	Throttled int64   `json:"throttled"`
	Timeouts  int64   `json:"timeouts"`
	Cancels   int64   `json:"cancels"`
	Errors    int64   `json:"errors"`
	Uptime    float64 `json:"uptime_seconds"`
	Now       string  `json:"now"`
}

func collectStats(s *serverState) Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Active:    s.active,
		Total:     s.total,
		PowFailed: s.powFailed,
		Throttled: s.throttled,
		Timeouts:  s.timeouts,
		Cancels:   s.cancels,
		Errors:    s.errors,
		Uptime:    time.Since(s.started).Seconds(),
		Now:       time.Now().UTC().Format(time.RFC3339),
	}
}
