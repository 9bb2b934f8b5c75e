package stats

import (
	"sync"
	"time"

	"github.com/cevaris/ordered_map"
	"github.com/relloyd/lakepipe/logger"
)

// Step names shared by the pipeline components.
const (
	StepExtract    = "extract"
	StepTransform  = "transform"
	StepLoad       = "load"
	StepCheckpoint = "checkpoint"
)

type StatsFetcher interface {
	GetStats() []Stats
}

// StatsManager hands out step watchers and periodically logs their stats.
type StatsManager interface {
	StatsFetcher
	AddStepWatcher(stepName string) *StepWatcher
	StartDumping()
	StopDumping()
}

// RunStatsManager implements StatsManager for a single run.
// Watchers are started by StartDumping, or on creation once dumping has started,
// and stopped by StopDumping, which logs their final figures.
type RunStatsManager struct {
	log       logger.Logger
	frequency time.Duration
	mu        sync.Mutex
	steps     *ordered_map.OrderedMap // step name -> *StepWatcher in registration order.
	dumping   bool
	done      chan struct{}
	wg        sync.WaitGroup
}

type RunStatsOption func(m *RunStatsManager)

// WithDumpFrequency sets how often stats are logged. Zero or less disables periodic logging.
func WithDumpFrequency(seconds int) RunStatsOption {
	return func(m *RunStatsManager) {
		m.frequency = time.Duration(seconds) * time.Second
	}
}

func NewRunStats(log logger.Logger, options ...RunStatsOption) *RunStatsManager {
	m := &RunStatsManager{log: log, steps: ordered_map.NewOrderedMap()}
	for _, option := range options {
		option(m)
	}
	return m
}

// AddStepWatcher returns the watcher for stepName, creating it on first use.
func (m *RunStatsManager) AddStepWatcher(stepName string) *StepWatcher {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.steps.Get(stepName); ok {
		return v.(*StepWatcher)
	}
	sw := NewStepWatcher(m.log, stepName)
	m.steps.Set(stepName, sw)
	if m.dumping {
		sw.StartWatching()
	}
	return sw
}

func (m *RunStatsManager) StartDumping() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dumping {
		return
	}
	m.dumping = true
	m.eachStep(func(sw *StepWatcher) { sw.StartWatching() })
	if m.frequency <= 0 {
		m.log.Debug("periodic stats logging disabled")
		return
	}
	m.done = make(chan struct{})
	m.wg.Add(1)
	go func(done chan struct{}) {
		defer m.wg.Done()
		ticker := time.NewTicker(m.frequency)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.logStats()
			}
		}
	}(m.done)
}

// StopDumping stops the watchers and logs their final stats. It does nothing unless StartDumping was called.
func (m *RunStatsManager) StopDumping() {
	m.mu.Lock()
	if !m.dumping {
		m.mu.Unlock()
		return
	}
	m.dumping = false
	done := m.done
	m.done = nil
	m.mu.Unlock()
	if done != nil {
		close(done)
		m.wg.Wait()
	}
	m.mu.Lock()
	m.eachStep(func(sw *StepWatcher) { sw.StopWatching() })
	m.mu.Unlock()
	m.logStats()
}

func (m *RunStatsManager) logStats() {
	for _, s := range m.GetStats() {
		m.log.Info(s.String())
	}
}

// GetStats refreshes and returns the stats of every step in registration order.
func (m *RunStatsManager) GetStats() []Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]Stats, 0, m.steps.Len())
	m.eachStep(func(sw *StepWatcher) {
		sw.CalculateStats()
		list = append(list, sw.RenderStats())
	})
	return list
}

// eachStep requires m.mu to be held.
func (m *RunStatsManager) eachStep(fn func(sw *StepWatcher)) {
	iter := m.steps.IterFunc()
	for kv, ok := iter(); ok; kv, ok = iter() {
		fn(kv.Value.(*StepWatcher))
	}
}
