package sysmon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/process"
)

const snapshotCacheTTL = 2 * time.Second

// Service provides a cached host snapshot for the dashboard health endpoint.
// Collector failures degrade to zero fields; health must stay answerable even
// when the host restricts process inspection.
type Service struct {
	log *slog.Logger

	mu      sync.Mutex
	hasSnap bool
	snap    Snapshot
	takenAt time.Time
}

type Snapshot struct {
	CPUUsage     float64   `json:"cpu_usage"`
	CPUCores     int       `json:"cpu_cores"`
	LoadAverage  []float64 `json:"load_average,omitempty"`
	ProcessCount int       `json:"process_count"`
	Platform     string    `json:"platform"`
	TimestampMs  int64     `json:"timestamp_ms"`
}

func NewService(log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{log: log}
}

func (s *Service) GetSnapshot(ctx context.Context) Snapshot {
	if s == nil {
		return Snapshot{Platform: runtime.GOOS, TimestampMs: time.Now().UnixMilli()}
	}
	now := time.Now()

	s.mu.Lock()
	if s.hasSnap && now.Sub(s.takenAt) < snapshotCacheTTL {
		out := s.snap
		s.mu.Unlock()
		return out
	}
	s.mu.Unlock()

	snap := s.collect(ctx)

	s.mu.Lock()
	s.snap = snap
	s.takenAt = now
	s.hasSnap = true
	s.mu.Unlock()

	return snap
}

func (s *Service) collect(ctx context.Context) Snapshot {
	out := Snapshot{Platform: runtime.GOOS}

	if usage, err := readCPUUsage(ctx); err == nil {
		out.CPUUsage = usage
	} else {
		s.log.Warn("sysmon: get cpu percent failed", "error", err)
	}

	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		out.CPUCores = cores
	} else {
		s.log.Warn("sysmon: get cpu cores failed", "error", err)
	}

	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		out.LoadAverage = []float64{avg.Load1, avg.Load5, avg.Load15}
	} else if err != nil {
		s.log.Warn("sysmon: get load average failed", "error", err)
	}

	if pids, err := process.PidsWithContext(ctx); err == nil {
		out.ProcessCount = len(pids)
	} else {
		s.log.Warn("sysmon: get process list failed", "error", err)
	}

	out.TimestampMs = time.Now().UnixMilli()
	return out
}

func readCPUUsage(ctx context.Context) (float64, error) {
	var errs []error

	// Non-blocking first: diff against the previous call. Short blocking
	// sampling returns 0 on newer macOS due to coarse aggregated tick updates.
	if p, err := cpu.PercentWithContext(ctx, 0, true); err == nil && len(p) > 0 {
		return average(p), nil
	} else if err != nil {
		errs = append(errs, err)
	}
	if p, err := cpu.PercentWithContext(ctx, 250*time.Millisecond, true); err == nil && len(p) > 0 {
		return average(p), nil
	} else if err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return 0, errors.Join(errs...)
	}
	return 0, fmt.Errorf("cpu percent unavailable")
}

func average(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
