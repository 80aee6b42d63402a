package storage

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/xeet991fx/mrmorris-build-sub005/internal/execution"
)

// ReportWriter applies engine reports in the background so ingestion never
// waits on the database. Reports for one execution are applied in the order
// they were submitted.
type ReportWriter struct {
	repo Repository
	ch   chan reportJob
	wg   sync.WaitGroup
	done chan struct{}

	// OnApplied runs after a report is stored, on the writer goroutine.
	OnApplied func(rec execution.Record, events []execution.Event)
	// OnFailed runs when a report is dropped.
	OnFailed func(ref execution.Record, err error)
}

type reportJob struct {
	ref execution.Record
	rep execution.Report
}

func NewReportWriter(repo Repository, bufferSize int) *ReportWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &ReportWriter{
		repo: repo,
		ch:   make(chan reportJob, bufferSize),
		done: make(chan struct{}),
	}
}

func (w *ReportWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// Submit queues a report for the execution named by ref. It returns false
// when the buffer is full.
func (w *ReportWriter) Submit(ref execution.Record, rep execution.Report) bool {
	select {
	case w.ch <- reportJob{ref: ref, rep: rep}:
		return true
	default:
		log.Warn().Str("exec_id", ref.ID).Msg("report buffer full, rejecting report")
		return false
	}
}

func (w *ReportWriter) Flush(timeout time.Duration) {
	close(w.done)

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("report writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("report writer flush timed out")
	}
}

func (w *ReportWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case job := <-w.ch:
			w.writeWithRetry(job)
		case <-w.done:
			// Drain remaining reports
			for {
				select {
				case job := <-w.ch:
					w.writeWithRetry(job)
				default:
					return
				}
			}
		}
	}
}

func (w *ReportWriter) writeWithRetry(job reportJob) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		rec, events, err := w.repo.ApplyReport(ctx, job.ref, job.rep)
		cancel()

		if err == nil {
			if w.OnApplied != nil {
				w.OnApplied(rec, events)
			}
			return
		}

		if permanent(err) {
			log.Warn().
				Err(err).
				Str("exec_id", job.ref.ID).
				Msg("report rejected")
			w.failed(job, err)
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			log.Warn().
				Err(err).
				Str("exec_id", job.ref.ID).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("report write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("exec_id", job.ref.ID).
				Msg("report write failed permanently after retries")
			w.failed(job, err)
		}
	}
}

func (w *ReportWriter) failed(job reportJob, err error) {
	if w.OnFailed != nil {
		w.OnFailed(job.ref, err)
	}
}

// permanent reports whether retrying can never succeed.
func permanent(err error) bool {
	return errors.Is(err, execution.ErrInvalidRecord) || errors.Is(err, execution.ErrFinished)
}
