// Package checker verifies a torrent's on-disk data against its piece
// hashes on a single background worker, the same shape as the teacher's
// verifier: a progress channel and a result channel a torrent's own loop
// selects on, rather than a callback invoked from a foreign goroutine.
package checker

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cenkalti/gorain/internal/bitfield"
	"github.com/cenkalti/gorain/internal/logger"
	"github.com/cenkalti/gorain/internal/metainfo"
	"github.com/cenkalti/gorain/internal/storage"
)

// ErrCancelled is returned (wrapped) when a check is cancelled or the
// Checker is shut down mid-run, mirroring spec.md's ECANCELED.
var ErrCancelled = errors.New("checker: cancelled")

// Progress reports pieces checked so far out of the job's total.
type Progress struct {
	Checked uint32
	Total   uint32
}

// Result is delivered on completion or failure.
type Result struct {
	InfoHash [20]byte
	Bitfield *bitfield.Bitfield
	Err      error
}

// Job is one torrent's check request.
type Job struct {
	InfoHash [20]byte
	Pieces   *storage.PieceMap
	Info     *metainfo.Info
	ProgressC chan<- Progress
	ResultC   chan<- Result
}

// Checker is a single FIFO worker: jobs are checked in the order Enqueued,
// 10 pieces at a time between cancellation/shutdown checks, per spec.md §4.7.
type Checker struct {
	log logger.Logger

	mu        sync.Mutex
	queue     []*Job
	cancelled map[[20]byte]bool
	shutdown  bool

	wakeC chan struct{}
	doneC chan struct{}
}

// New creates and starts a Checker's worker goroutine.
func New() *Checker {
	c := &Checker{
		log:       logger.New("checker"),
		cancelled: make(map[[20]byte]bool),
		wakeC:     make(chan struct{}, 1),
		doneC:     make(chan struct{}),
	}
	go c.run()
	return c
}

// Enqueue appends job to the FIFO queue.
func (c *Checker) Enqueue(job *Job) {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		job.ResultC <- Result{InfoHash: job.InfoHash, Err: ErrCancelled}
		return
	}
	c.queue = append(c.queue, job)
	c.mu.Unlock()
	select {
	case c.wakeC <- struct{}{}:
	default:
	}
}

// Cancel marks infoHash's job (queued or running) to abort at the next
// 10-piece batch boundary.
func (c *Checker) Cancel(infoHash [20]byte) {
	c.mu.Lock()
	c.cancelled[infoHash] = true
	c.mu.Unlock()
}

// Shutdown stops accepting new jobs and joins the worker.
func (c *Checker) Shutdown() {
	c.mu.Lock()
	c.shutdown = true
	c.mu.Unlock()
	select {
	case c.wakeC <- struct{}{}:
	default:
	}
	<-c.doneC
}

func (c *Checker) isCancelledOrDown(infoHash [20]byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdown || c.cancelled[infoHash]
}

func (c *Checker) popNext() *Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	job := c.queue[0]
	c.queue = c.queue[1:]
	return job
}

func (c *Checker) run() {
	defer close(c.doneC)
	for {
		job := c.popNext()
		if job == nil {
			c.mu.Lock()
			down := c.shutdown
			c.mu.Unlock()
			if down {
				return
			}
			<-c.wakeC
			continue
		}
		c.check(job)
	}
}

func (c *Checker) check(job *Job) {
	n := uint32(len(job.Info.Pieces))
	bf := bitfield.New(n)

	for i := uint32(0); i < n; i++ {
		if i%10 == 0 && c.isCancelledOrDown(job.InfoHash) {
			job.ResultC <- Result{InfoHash: job.InfoHash, Err: fmt.Errorf("checker: info hash %x: %w", job.InfoHash, ErrCancelled)}
			return
		}
		ok, err := job.Pieces.VerifyPiece(i, job.Info.Pieces[i])
		if err != nil {
			job.ResultC <- Result{InfoHash: job.InfoHash, Err: err}
			return
		}
		bf.Set(i, ok)
		if i%10 == 0 && job.ProgressC != nil {
			select {
			case job.ProgressC <- Progress{Checked: i + 1, Total: n}:
			default:
			}
		}
	}
	if job.ProgressC != nil {
		select {
		case job.ProgressC <- Progress{Checked: n, Total: n}:
		default:
		}
	}
	job.ResultC <- Result{InfoHash: job.InfoHash, Bitfield: bf}
}
