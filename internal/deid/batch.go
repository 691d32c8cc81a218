package deid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meddexhq/deidentify/internal/audit"
	"github.com/meddexhq/deidentify/internal/consistency"
	"github.com/meddexhq/deidentify/internal/pipeline"
	"github.com/meddexhq/deidentify/internal/record"
)

// DeidentifyBatch drains the source through a worker pool and hands
// every Result to emit as it completes. Output order is not input
// order; correlation IDs tie them together. A malformed record fails
// that record only. A store failure aborts the whole run, since
// consistency can no longer be guaranteed.
func (s *service) DeidentifyBatch(ctx context.Context, src pipeline.Source, emit func(*Result) error) (*RunSummary, error) {
	summary := &RunSummary{
		RunID:      uuid.New().String(),
		ConfigHash: s.cfg.Hash(),
		Mode:       s.cfg.Mode,
		StartedAt:  time.Now().UTC(),
		Categories: make(map[string]int),
	}
	s.auditRun(ctx, audit.EventRunStarted, summary)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := s.cfg.Workers
	if workers < 1 {
		workers = 1
	}

	jobs := make(chan map[string]any)
	results := make(chan *Result)

	var fatalOnce sync.Once
	var fatalErr error
	fatal := func(err error) {
		fatalOnce.Do(func() {
			fatalErr = err
			cancel()
		})
	}

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for rec := range jobs {
				if runCtx.Err() != nil {
					continue
				}
				res, err := s.processSafe(runCtx, summary.RunID, rec)
				if err != nil {
					fatal(err)
					continue
				}
				results <- res
			}
		}()
	}

	var emitErr error
	collectorDone := make(chan struct{})
	go func() {
		defer close(collectorDone)
		for res := range results {
			s.tally(summary, res)
			if emit != nil && emitErr == nil {
				if err := emit(res); err != nil {
					emitErr = fmt.Errorf("failed to emit result: %w", err)
					cancel()
				}
			}
		}
	}()

	var readErr error
	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(runCtx); err != nil {
				break
			}
		}
		rec, err := src.Next(runCtx)
		if err == io.EOF {
			break
		}
		if err != nil {
			if errors.Is(err, record.ErrMalformed) {
				results <- &Result{
					CorrelationID: uuid.New().String(),
					Outcome:       OutcomeFailed,
					Err:           err,
				}
				continue
			}
			readErr = fmt.Errorf("failed to read source: %w", err)
			cancel()
			break
		}
		select {
		case jobs <- rec:
		case <-runCtx.Done():
		}
		if runCtx.Err() != nil {
			break
		}
	}

	close(jobs)
	wg.Wait()
	close(results)
	<-collectorDone

	summary.CompletedAt = time.Now().UTC()

	runErr := fatalErr
	if runErr == nil {
		runErr = readErr
	}
	if runErr == nil {
		runErr = emitErr
	}
	if runErr == nil {
		runErr = ctx.Err()
	}

	if runErr == nil {
		s.recordRun(ctx, summary)
	}
	s.auditRun(ctx, audit.EventRunCompleted, summary)

	return summary, runErr
}

// processSafe confines a panic to the record that caused it.
func (s *service) processSafe(ctx context.Context, runID string, rec map[string]any) (res *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = &Result{
				CorrelationID: uuid.New().String(),
				Outcome:       OutcomeFailed,
				Err:           fmt.Errorf("panic while processing record: %v", r),
			}
			err = nil
		}
	}()
	return s.process(ctx, runID, rec)
}

func (s *service) tally(summary *RunSummary, res *Result) {
	switch res.Outcome {
	case OutcomeAccepted:
		summary.Accepted++
	case OutcomeRejected:
		summary.Rejected++
	default:
		summary.Failed++
	}
	if len(res.Flags) > 0 {
		summary.Flagged++
	}
	for _, a := range res.Applied {
		if a.Changed {
			summary.Categories[string(a.Category)]++
		}
	}
}

// recordRun persists the run ledger when the store keeps one.
func (s *service) recordRun(ctx context.Context, summary *RunSummary) {
	recorder, ok := s.store.(consistency.RunRecorder)
	if !ok {
		return
	}
	categories := make([]string, 0, len(summary.Categories))
	for c := range summary.Categories {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	_ = recorder.RecordRun(ctx, consistency.RunRecord{
		RunID:       summary.RunID,
		StartedAt:   summary.StartedAt,
		CompletedAt: summary.CompletedAt,
		ConfigHash:  summary.ConfigHash,
		Categories:  categories,
		Accepted:    summary.Accepted,
		Rejected:    summary.Rejected,
		Failed:      summary.Failed,
	})
}

func (s *service) auditRun(ctx context.Context, eventType audit.EventType, summary *RunSummary) {
	if s.audit == nil {
		return
	}
	event := &audit.Event{
		EventType: eventType,
		RunID:     summary.RunID,
	}
	if eventType == audit.EventRunCompleted {
		details, err := json.Marshal(summary)
		if err == nil {
			event.Details = details
		}
		event.Categories = summary.Categories
	}
	_ = s.audit.LogEvent(ctx, event)
}
