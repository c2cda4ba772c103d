// Package mirror copies uploaded files to a secondary backend in the
// background. Mirroring is best effort: a failed or dropped copy is logged and
// counted, and never affects the upload that produced it.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/radif/fileservice/internal/metrics"
	"github.com/radif/fileservice/internal/storage"
)

var (
	// ErrQueueFull is returned by Enqueue when every queue slot is taken.
	ErrQueueFull = errors.New("mirror queue is full")
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("mirror pool is closed")
)

// Job names a file to copy from the primary to the secondary backend.
type Job struct {
	StorageFilename string
}

// Pool runs a fixed number of workers over a bounded job queue.
type Pool struct {
	source storage.Backend
	target storage.Backend
	logger *log.Logger

	jobs   chan Job
	mu     sync.RWMutex
	closed bool
	once   sync.Once
	wg     sync.WaitGroup

	// ctx is cancelled when Close gives up waiting for the queue to drain.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPool starts workers goroutines copying from source to target.
func NewPool(source, target storage.Backend, workers, queueSize int, logger *log.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		source: source,
		target: target,
		logger: logger.With("component", "mirror"),
		jobs:   make(chan Job, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				metrics.MirrorQueueDepth.Dec()
				p.run(job)
			}
		}()
	}

	return p
}

// Enqueue schedules a copy without blocking.
func (p *Pool) Enqueue(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	metrics.MirrorQueueDepth.Inc()
	select {
	case p.jobs <- job:
		return nil
	default:
		metrics.MirrorQueueDepth.Dec()
		metrics.MirrorJobsTotal.WithLabelValues("dropped").Inc()
		p.logger.Warn("mirror queue full, dropping job", "file", job.StorageFilename, "queue", cap(p.jobs))
		return ErrQueueFull
	}
}

// Close stops accepting jobs and waits until the queued ones are done. When
// ctx ends first, in-flight copies are cancelled and ctx.Err() is returned.
func (p *Pool) Close(ctx context.Context) error {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

func (p *Pool) run(job Job) {
	if err := p.ctx.Err(); err != nil {
		metrics.MirrorJobsTotal.WithLabelValues("failed").Inc()
		return
	}
	if err := p.copy(p.ctx, job); err != nil {
		metrics.MirrorJobsTotal.WithLabelValues("failed").Inc()
		p.logger.Error("mirror copy failed", "file", job.StorageFilename, "target", p.target.Kind(), "error", err)
		return
	}
	metrics.MirrorJobsTotal.WithLabelValues("copied").Inc()
	p.logger.Debug("mirrored file", "file", job.StorageFilename, "target", p.target.Kind())
}

// copy streams a single file from the primary backend to the secondary one
// under the same storage filename.
func (p *Pool) copy(ctx context.Context, job Job) error {
	obj, err := p.source.GetFile(ctx, job.StorageFilename)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer obj.Close()

	_, err = p.target.UploadFile(ctx, storage.Source{
		Reader:          obj,
		Size:            obj.Size(),
		StorageFilename: job.StorageFilename,
	})
	if err != nil {
		return fmt.Errorf("upload to %s: %w", p.target.Kind(), err)
	}
	return nil
}
