package types

import "time"

// ServiceHealth is returned by the health endpoint.
type ServiceHealth struct {
	Status    string        `json:"status"` // healthy, degraded
	Timestamp time.Time     `json:"timestamp"`
	Process   ProcessHealth `json:"process"`
	Fleet     FleetHealth   `json:"fleet"`
}

// ProcessHealth contains control plane runtime metrics.
type ProcessHealth struct {
	Status        string  `json:"status"` // healthy, degraded
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryMB      float64 `json:"memory_mb"`
	MemoryRSS     string  `json:"memory_rss"` // human-readable, e.g. "38 MiB"
	MemoryPercent float64 `json:"memory_percent"`
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds int64   `json:"uptime_seconds"`
}

// FleetHealth counts devices by liveness state.
type FleetHealth struct {
	Devices int `json:"devices"`
	New     int `json:"new"`
	Alive   int `json:"alive"`
	Overdue int `json:"overdue"`
}
