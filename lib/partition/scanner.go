package partition

import (
	"context"
	"time"

	"github.com/ValentinKolb/dState/lib/correlation"
	"github.com/VictoriaMetrics/metrics"
)

var (
	retriesIssued = metrics.GetOrCreateCounter("dstate_scanner_retries_issued_total")
	scanFailures  = metrics.GetOrCreateCounter("dstate_scanner_failures_total")
)

// Submitter appends commands to a partition and waits for their results. It
// is implemented by the local and the distributed partition.
type Submitter interface {
	// Submit appends commands as one entry and returns one result per command.
	Submit(ctx context.Context, commands ...Command) ([]Result, error)

	// IsActive reports whether this node may submit commands for the
	// partition (it is the leader and has not halted).
	IsActive() bool
}

// ScannerOptions configures a Scanner.
type ScannerOptions struct {
	Interval     time.Duration    // Time between two scans (0 = 1s)
	RetryTimeout time.Duration    // Age of a pending command before it is re-issued (0 = 10s)
	BatchSize    int              // Maximum number of retries per entry (0 = 100)
	Now          func() time.Time // Clock (nil = time.Now)
}

// Scanner periodically re-issues the pending commands of subscriptions that
// were not acknowledged within the retry timeout.
//
// Each scan collects the cached subscriptions with a wake time older than
// now - RetryTimeout, submits a RetrySubscription command for them (which
// re-enters the log) and moves them to the new wake time in the cache, so they
// are not picked up again before the next timeout.
type Scanner struct {
	subs   correlation.TransientState
	submit Submitter
	opts   ScannerOptions
}

// NewScanner creates a scanner for the subscriptions in subs that submits to
// submit.
func NewScanner(subs correlation.TransientState, submit Submitter, opts ScannerOptions) *Scanner {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.RetryTimeout <= 0 {
		opts.RetryTimeout = 10 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scanner{subs: subs, submit: submit, opts: opts}
}

// Run scans every Interval until ctx is done.
func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Scan(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				scanFailures.Inc()
				log.Warningf("deadline scan failed: %v", err)
			}
		}
	}
}

// Scan runs one scan and returns the number of re-issued commands. Nothing is
// submitted while the partition is not active.
func (s *Scanner) Scan(ctx context.Context) (int, error) {
	if !s.submit.IsActive() {
		return 0, nil
	}

	now := s.opts.Now().UnixMilli()
	cutoff := now - s.opts.RetryTimeout.Milliseconds()

	var due []correlation.DueEntry
	s.subs.VisitDue(cutoff, func(e correlation.DueEntry) bool {
		due = append(due, e)
		return true
	})

	issued := 0
	for len(due) > 0 {
		n := min(len(due), s.opts.BatchSize)
		batch := due[:n]
		due = due[n:]

		commands := make([]Command, len(batch))
		for i, e := range batch {
			commands[i] = RetrySubscription(e.Key.ScopeID, e.Key.Name, now)
		}
		if _, err := s.submit.Submit(ctx, commands...); err != nil {
			return issued, err
		}
		for _, e := range batch {
			s.subs.UpdateSentTime(e.Key, now)
		}
		issued += len(batch)
		retriesIssued.Add(len(batch))
	}

	if issued > 0 {
		log.Debugf("re-issued %d pending subscription commands", issued)
	}
	return issued, nil
}
