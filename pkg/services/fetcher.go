package services

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/timeplus-io/tp-alarm-monitor/pkg/metrics"
	"github.com/timeplus-io/tp-alarm-monitor/pkg/models"
	"github.com/timeplus-io/tp-alarm-monitor/pkg/valuesource"
)

// ErrFetcherStopped is returned for fetches issued after Stop
var ErrFetcherStopped = errors.New("value fetcher stopped")

// FetchStatus classifies the outcome of a value read
type FetchStatus string

const (
	FetchOK          FetchStatus = "ok"
	FetchMissing     FetchStatus = "missing"
	FetchInvalid     FetchStatus = "invalid"
	FetchUnavailable FetchStatus = "unavailable"
)

// FetchResult carries a parsed sample or the reason there is none
type FetchResult struct {
	Value  float64
	Status FetchStatus
	Err    error
}

// OK reports whether Value holds a usable sample
func (r FetchResult) OK() bool { return r.Status == FetchOK }

type fetchJob struct {
	ctx    context.Context
	key    string
	field  string
	result chan FetchResult
}

// ValueFetcher reads rule points through a fixed pool of workers so the
// number of concurrent value source calls never exceeds the pool size.
type ValueFetcher struct {
	source  valuesource.Source
	size    int
	timeout time.Duration

	jobs chan fetchJob
	wg   sync.WaitGroup

	mu      sync.RWMutex
	started bool
	closed  bool
}

// NewValueFetcher creates a stopped fetcher; call Start before Fetch
func NewValueFetcher(source valuesource.Source, size int, timeout time.Duration) *ValueFetcher {
	if size <= 0 {
		size = 4
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ValueFetcher{
		source:  source,
		size:    size,
		timeout: timeout,
		jobs:    make(chan fetchJob),
	}
}

// Start launches the workers
func (f *ValueFetcher) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started || f.closed {
		return
	}
	f.started = true
	for i := 0; i < f.size; i++ {
		f.wg.Add(1)
		go f.worker()
	}
	logrus.Debugf("Value fetcher started with %d workers", f.size)
}

// Size returns the number of workers
func (f *ValueFetcher) Size() int { return f.size }

func (f *ValueFetcher) worker() {
	defer f.wg.Done()
	for job := range f.jobs {
		if job.ctx.Err() != nil {
			job.result <- FetchResult{Status: FetchUnavailable, Err: job.ctx.Err()}
			continue
		}
		metrics.FetchPoolBusy.Inc()
		job.result <- readValue(job.ctx, f.source, job.key, job.field, f.timeout)
		metrics.FetchPoolBusy.Dec()
	}
}

// Fetch resolves the rule's point to a sample. It blocks until a worker
// is free, the read completes, or ctx is done.
func (f *ValueFetcher) Fetch(ctx context.Context, rule *models.AlertRule) FetchResult {
	start := time.Now()
	res := f.fetch(ctx, rule.ValueKey(), rule.ValueField())
	metrics.ValueFetchDuration.Observe(time.Since(start).Seconds())
	metrics.ValueFetchTotal.WithLabelValues(string(res.Status)).Inc()

	switch res.Status {
	case FetchMissing, FetchInvalid:
		logrus.Debugf("No value for rule %s (%s %s): %v", rule.RuleName, rule.ValueKey(), rule.ValueField(), res.Err)
	case FetchUnavailable:
		logrus.WithFields(logrus.Fields{
			"rule_id": rule.ID,
			"key":     rule.ValueKey(),
			"field":   rule.ValueField(),
		}).Errorf("Value source read failed: %v", res.Err)
	}
	return res
}

func (f *ValueFetcher) fetch(ctx context.Context, key, field string) FetchResult {
	f.mu.RLock()
	if f.closed || !f.started {
		f.mu.RUnlock()
		return FetchResult{Status: FetchUnavailable, Err: ErrFetcherStopped}
	}

	job := fetchJob{ctx: ctx, key: key, field: field, result: make(chan FetchResult, 1)}
	select {
	case f.jobs <- job:
		f.mu.RUnlock()
	case <-ctx.Done():
		f.mu.RUnlock()
		return FetchResult{Status: FetchUnavailable, Err: ctx.Err()}
	}

	select {
	case res := <-job.result:
		return res
	case <-ctx.Done():
		return FetchResult{Status: FetchUnavailable, Err: ctx.Err()}
	}
}

// Stop waits for in-flight reads to finish, then stops the workers
func (f *ValueFetcher) Stop() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	close(f.jobs)
	f.mu.Unlock()

	f.wg.Wait()
	logrus.Debug("Value fetcher stopped")
}

// readValue performs one bounded HGET and parses the result
func readValue(ctx context.Context, source valuesource.Source, key, field string, timeout time.Duration) FetchResult {
	readCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, err := source.HashGet(readCtx, key, field)
	if err != nil {
		if errors.Is(err, valuesource.ErrNotFound) {
			return FetchResult{Status: FetchMissing, Err: err}
		}
		return FetchResult{Status: FetchUnavailable, Err: err}
	}

	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		if err == nil {
			err = errors.New("non-finite value")
		}
		return FetchResult{Status: FetchInvalid, Err: err}
	}
	return FetchResult{Value: v, Status: FetchOK}
}
