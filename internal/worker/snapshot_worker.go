// Package worker runs background jobs for the valuator.
package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agent-valuator/internal/logging"
	"github.com/agent-valuator/internal/models"
	"github.com/ethereum/go-ethereum/common"
)

// AgentLister lists every agent with a portfolio
type AgentLister interface {
	ListAgents(ctx context.Context) ([]common.Address, error)
}

// SnapshotTaker takes an agent's scheduled snapshot; nil means none was due
type SnapshotTaker interface {
	ScheduledSnapshot(ctx context.Context, agent common.Address, now int64) (*models.PortfolioSnapshot, error)
}

// SnapshotWorker takes the once-per-UTC-day snapshot of every agent
type SnapshotWorker struct {
	agents   AgentLister
	taker    SnapshotTaker
	interval time.Duration
	now      func() time.Time

	mu           sync.RWMutex
	running      bool
	stopCh       chan struct{}
	doneCh       chan struct{}
	lastRunTime  time.Time
	lastTaken    int
	lastFailures int
}

// SnapshotWorkerConfig holds configuration for a snapshot worker
type SnapshotWorkerConfig struct {
	Agents AgentLister
	Taker  SnapshotTaker
	// Interval is how often agents are checked; a snapshot is only taken once per day
	Interval time.Duration
}

// SnapshotWorkerStatus describes the worker's last pass
type SnapshotWorkerStatus struct {
	Running         bool      `json:"running"`
	LastRunTime     time.Time `json:"lastRunTime"`
	LastTaken       int       `json:"lastTaken"`
	LastFailures    int       `json:"lastFailures"`
	IntervalSeconds int       `json:"intervalSeconds"`
}

// NewSnapshotWorker creates a new snapshot worker
func NewSnapshotWorker(cfg *SnapshotWorkerConfig) (*SnapshotWorker, error) {
	if cfg.Agents == nil {
		return nil, fmt.Errorf("agent lister cannot be nil")
	}
	if cfg.Taker == nil {
		return nil, fmt.Errorf("snapshot taker cannot be nil")
	}

	interval := cfg.Interval
	if interval == 0 {
		interval = time.Hour
	}
	if interval < time.Second {
		return nil, fmt.Errorf("interval must be at least 1s, got %v", interval)
	}

	return &SnapshotWorker{
		agents:   cfg.Agents,
		taker:    cfg.Taker,
		interval: interval,
		now:      time.Now,
	}, nil
}

// Start runs one pass immediately and then one per interval until Stop or ctx ends
func (w *SnapshotWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("snapshot worker is already running")
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	logging.WithField("interval", w.interval.String()).Info("Starting snapshot worker")

	go w.loop(ctx)
	return nil
}

// Stop gracefully stops the worker
func (w *SnapshotWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("snapshot worker is not running")
	}
	stopCh, doneCh := w.stopCh, w.doneCh
	w.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		logging.Info("Snapshot worker stopped gracefully")
	case <-ctx.Done():
		logging.Warnf("Snapshot worker stop timed out")
		return ctx.Err()
	}

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	return nil
}

func (w *SnapshotWorker) loop(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce checks every agent and returns how many snapshots were taken.
// A failing agent is logged and does not stop the pass.
func (w *SnapshotWorker) RunOnce(ctx context.Context) int {
	now := w.now()
	logger := logging.FromContext(ctx).WithField("job", "scheduled_snapshot")

	agents, err := w.agents.ListAgents(ctx)
	if err != nil {
		logger.WithError(err).Error("Failed to list agents")
		w.record(now, 0, 1)
		return 0
	}

	taken, failures := 0, 0
	for _, agent := range agents {
		if ctx.Err() != nil {
			break
		}
		snapshot, err := w.taker.ScheduledSnapshot(ctx, agent, now.Unix())
		if err != nil {
			failures++
			logger.WithAgent(agent).WithError(err).Warn("Scheduled snapshot failed")
			continue
		}
		if snapshot != nil {
			taken++
		}
	}

	if taken > 0 || failures > 0 {
		logger.WithFields(map[string]interface{}{
			"agents":   len(agents),
			"taken":    taken,
			"failures": failures,
		}).Info("Scheduled snapshot pass complete")
	}
	w.record(now, taken, failures)
	return taken
}

func (w *SnapshotWorker) record(at time.Time, taken, failures int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastRunTime = at
	w.lastTaken = taken
	w.lastFailures = failures
}

// GetStatus returns current worker status
func (w *SnapshotWorker) GetStatus() *SnapshotWorkerStatus {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return &SnapshotWorkerStatus{
		Running:         w.running,
		LastRunTime:     w.lastRunTime,
		LastTaken:       w.lastTaken,
		LastFailures:    w.lastFailures,
		IntervalSeconds: int(w.interval.Seconds()),
	}
}
