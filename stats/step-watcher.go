package stats

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	h "github.com/relloyd/lakepipe/helper"
	"github.com/relloyd/lakepipe/logger"
)

// StepWatcher counts the rows, batches and retries of one pipeline step.
// Rates are refreshed by CalculateStats, which the owning manager calls.
// All methods are safe to call on a nil *StepWatcher.
type StepWatcher struct {
	log        logger.Logger
	stepName   string
	rowCount   int64
	batchCount int64
	retryCount int64
	running    h.AtomBool
	mu         sync.Mutex // guards the fields below.
	startTime  time.Time
	stopTime   time.Time
	priorRows  int64
	priorTime  time.Time
	rateDelta  int64
	rateAvg    int64
}

type Stats struct {
	StepName           string `json:"stepName"`
	StatusText         string `json:"statusText"`
	ElapsedTimeSec     int    `json:"elapsedTimeSec"`
	TotalRowsProcessed int    `json:"totalRowsProcessed"`
	TotalBatches       int    `json:"totalBatches"`
	Retries            int    `json:"retries"`
	RowsPerSecondAvg   int    `json:"rowsPerSecondAvg"`
	RowsPerSecondDelta int    `json:"rowsPerSecondDelta"`
}

func NewStepWatcher(log logger.Logger, stepName string) *StepWatcher {
	return &StepWatcher{log: log, stepName: stepName}
}

func (n *StepWatcher) StartWatching() {
	if n == nil || n.running.Get() {
		return
	}
	n.mu.Lock()
	n.startTime = time.Now()
	n.stopTime = time.Time{}
	n.priorTime = n.startTime
	n.priorRows = atomic.LoadInt64(&n.rowCount)
	n.mu.Unlock()
	n.running.Set(true)
}

func (n *StepWatcher) StopWatching() {
	if n == nil || !n.running.Get() {
		return
	}
	n.CalculateStats()
	n.mu.Lock()
	n.stopTime = time.Now()
	n.mu.Unlock()
	n.running.Set(false)
}

// AddBatch records one processed batch of rows.
func (n *StepWatcher) AddBatch(rows int64) {
	if n == nil {
		return
	}
	atomic.AddInt64(&n.rowCount, rows)
	atomic.AddInt64(&n.batchCount, 1)
}

// AddRetry records one retried attempt.
func (n *StepWatcher) AddRetry() {
	if n == nil {
		return
	}
	atomic.AddInt64(&n.retryCount, 1)
}

// CalculateStats refreshes the average and delta row rates.
func (n *StepWatcher) CalculateStats() {
	if n == nil || !n.running.Get() {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	rows := atomic.LoadInt64(&n.rowCount)
	n.rateDelta = (rows - n.priorRows) / secondsSinceOrOne(n.priorTime)
	n.rateAvg = rows / secondsSinceOrOne(n.startTime)
	n.priorRows = rows
	n.priorTime = time.Now()
	n.log.Debug("STATS: ", n.stepName, " processing ", n.rateDelta, " rows per sec")
}

// RenderStats returns the stats as of the last call to CalculateStats.
func (n *StepWatcher) RenderStats() Stats {
	if n == nil {
		return Stats{}
	}
	status := "complete"
	if n.running.Get() {
		status = "running"
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	var elapsed time.Duration
	switch {
	case n.startTime.IsZero():
		status = "idle"
	case n.stopTime.IsZero():
		elapsed = time.Since(n.startTime)
	default:
		elapsed = n.stopTime.Sub(n.startTime)
	}
	return Stats{
		StepName:           n.stepName,
		StatusText:         status,
		ElapsedTimeSec:     int(elapsed.Seconds()),
		TotalRowsProcessed: int(atomic.LoadInt64(&n.rowCount)),
		TotalBatches:       int(atomic.LoadInt64(&n.batchCount)),
		Retries:            int(atomic.LoadInt64(&n.retryCount)),
		RowsPerSecondAvg:   int(n.rateAvg),
		RowsPerSecondDelta: int(n.rateDelta),
	}
}

func (s Stats) String() string {
	return fmt.Sprintf("Stats for %v %v elapsedTimeSec=%v totalRowsProcessed=%v totalBatches=%v retries=%v rowsPerSecondAvg=%v rowsPerSecondDelta=%v",
		s.StepName, s.StatusText, s.ElapsedTimeSec, s.TotalRowsProcessed, s.TotalBatches, s.Retries, s.RowsPerSecondAvg, s.RowsPerSecondDelta)
}

func secondsSinceOrOne(t time.Time) int64 {
	if s := int64(time.Since(t).Seconds()); s > 1 {
		return s
	}
	return 1
}
