// Package retention purges files that have been idle for longer than the
// configured retention window, together with their metadata.
package retention

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/radif/fileservice/internal/metrics"
	"github.com/radif/fileservice/internal/storage"
)

const (
	DefaultMaxIdle     = 30 * 24 * time.Hour
	defaultConcurrency = 8
)

// RecordDeleter removes metadata rows in bulk.
type RecordDeleter interface {
	DeleteFiles(ctx context.Context, ids []uuid.UUID) (int64, error)
}

// Options tunes a Sweeper. Zero values select the defaults.
type Options struct {
	MaxIdleSinceAccess       time.Duration
	MaxIdleSinceModification time.Duration
	// Concurrency bounds the physical deletes in flight per backend.
	Concurrency int
	Now         func() time.Time
}

// Result summarises one sweep over all backends.
type Result struct {
	Listed   int
	Selected int
	Deleted  int
	Failed   int
	// Skipped counts selected objects whose name is not a service identifier.
	Skipped  int
	Duration time.Duration
}

func (r *Result) add(o Result) {
	r.Listed += o.Listed
	r.Selected += o.Selected
	r.Deleted += o.Deleted
	r.Failed += o.Failed
	r.Skipped += o.Skipped
}

// Sweeper deletes expired files from every configured backend.
type Sweeper struct {
	records  RecordDeleter
	backends []storage.Backend
	opts     Options
	logger   *log.Logger
}

// NewSweeper creates a Sweeper over backends.
func NewSweeper(records RecordDeleter, backends []storage.Backend, opts Options, logger *log.Logger) *Sweeper {
	if opts.MaxIdleSinceAccess <= 0 {
		opts.MaxIdleSinceAccess = DefaultMaxIdle
	}
	if opts.MaxIdleSinceModification <= 0 {
		opts.MaxIdleSinceModification = DefaultMaxIdle
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Sweeper{
		records:  records,
		backends: backends,
		opts:     opts,
		logger:   logger.With("component", "retention"),
	}
}

// Expired reports whether f has been idle past either window. A missing
// timestamp never selects a file on its own.
func (s *Sweeper) Expired(f storage.StatFileInfo, now time.Time) bool {
	if f.AccessedTime != nil && now.Sub(*f.AccessedTime) > s.opts.MaxIdleSinceAccess {
		return true
	}
	return f.ModifiedTime != nil && now.Sub(*f.ModifiedTime) > s.opts.MaxIdleSinceModification
}

// Run performs one sweep. Backends are processed concurrently and a failing
// backend never stops the others; their errors are joined.
func (s *Sweeper) Run(ctx context.Context) (*Result, error) {
	began := time.Now()
	now := s.opts.Now()
	total := &Result{}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, b := range s.backends {
		g.Go(func() error {
			res, err := s.sweep(ctx, b, now)
			mu.Lock()
			defer mu.Unlock()
			total.add(res)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s backend: %w", b.Kind(), err))
			}
			return nil
		})
	}
	_ = g.Wait()

	total.Duration = time.Since(began)
	metrics.RetentionDuration.Observe(total.Duration.Seconds())

	err := errors.Join(errs...)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.RetentionRunsTotal.WithLabelValues(result).Inc()

	s.logger.Info("retention sweep finished",
		"listed", total.Listed,
		"selected", total.Selected,
		"deleted", total.Deleted,
		"failed", total.Failed,
		"skipped", total.Skipped,
		"duration", total.Duration,
	)
	return total, err
}

func (s *Sweeper) sweep(ctx context.Context, b storage.Backend, now time.Time) (Result, error) {
	var res Result
	logger := s.logger.With("backend", b.Kind())

	listed, err := b.ListFiles(ctx)
	if err != nil {
		return res, fmt.Errorf("list files: %w", err)
	}
	res.Listed = len(listed)

	var (
		ids   []uuid.UUID
		paths []string
	)
	for _, f := range listed {
		if !s.Expired(f, now) {
			continue
		}
		res.Selected++
		id, err := storage.IDFromPath(f.Path)
		if err != nil {
			res.Skipped++
			logger.Debug("skipping foreign object", "path", f.Path)
			continue
		}
		ids = append(ids, id)
		paths = append(paths, f.Path)
	}
	if len(paths) == 0 {
		return res, nil
	}

	// Metadata goes first: a row must never outlive its content.
	if _, err := s.records.DeleteFiles(ctx, ids); err != nil {
		return res, fmt.Errorf("delete metadata: %w", err)
	}

	var (
		g       errgroup.Group
		deleted atomic.Int64
		failed  atomic.Int64
	)
	g.SetLimit(s.opts.Concurrency)
	for _, p := range paths {
		g.Go(func() error {
			err := b.Delete(ctx, p)
			if err == nil || errors.Is(err, storage.ErrFileNotFound) {
				deleted.Add(1)
				return nil
			}
			failed.Add(1)
			logger.Error("delete expired file", "path", p, "error", err)
			return nil
		})
	}
	_ = g.Wait()

	res.Deleted = int(deleted.Load())
	res.Failed = int(failed.Load())
	metrics.RetentionFilesDeletedTotal.WithLabelValues(string(b.Kind())).Add(float64(res.Deleted))
	metrics.RetentionFailuresTotal.WithLabelValues(string(b.Kind())).Add(float64(res.Failed))
	return res, nil
}
