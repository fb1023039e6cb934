// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package batching

import (
	"context"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/gomlx/dehaze/pkg/support/xsync"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// Mode of batch extraction.
type Mode int

const (
	// Shuffled draws each example of a batch uniformly at random from the buffer.
	Shuffled Mode = iota

	// Sequential releases examples in arrival order.
	Sequential
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case Shuffled:
		return "shuffled"
	case Sequential:
		return "sequential"
	}
	return "unknown"
}

// DefaultMinFraction is the fraction of one epoch of examples that must be buffered before batches are released.
const DefaultMinFraction = 0.4

// capacityInBatches is the extra room in the buffer above the minimum fill, in number of batches.
const capacityInBatches = 3

var (
	// ErrTimeout is returned by Queue.Next when producers added no example for the configured timeout.
	ErrTimeout = errors.New("timed out waiting for a batch")

	// ErrClosed is returned by Queue.Next after Queue.Close.
	ErrClosed = errors.New("queue closed")
)

// MinQueueExamples returns floor(examplesPerEpoch * fraction).
func MinQueueExamples(examplesPerEpoch int, fraction float64) int {
	return int(float64(examplesPerEpoch) * fraction)
}

// Queue buffers examples from a Producer and releases fixed-size batches.
//
// Create it with New, configure it and call Start. Close it to stop the producers.
type Queue struct {
	producer  Producer
	mode      Mode
	batchSize int
	minFill   int
	workers   int
	timeout   time.Duration
	seed      int64
	progress  bool
	configErr error
	started   bool

	// mu protects everything below.
	mu       sync.Mutex
	buffer   []Example
	changed  chan struct{}
	rng      *rand.Rand
	err      error
	closed   bool
	produced int64
	released int64
	fillBar  *progressbar.ProgressBar
	filled   bool

	cancel  context.CancelFunc
	running *xsync.DynamicWaitGroup
}

// New creates a Queue fed by producer. Defaults: Shuffled mode, batch size 1, no minimum fill,
// runtime.NumCPU() workers and no timeout.
func New(producer Producer) *Queue {
	return &Queue{
		producer:  producer,
		mode:      Shuffled,
		batchSize: 1,
		workers:   runtime.NumCPU(),
		seed:      time.Now().UnixNano(),
	}
}

func (q *Queue) setConfigErr(err error) {
	if q.configErr == nil {
		q.configErr = err
	}
}

// Mode sets Shuffled or Sequential extraction. It returns the Queue, so calls can be cascaded.
func (q *Queue) Mode(mode Mode) *Queue {
	q.mode = mode
	return q
}

// BatchSize sets the number of examples per released batch.
func (q *Queue) BatchSize(n int) *Queue {
	if n <= 0 {
		q.setConfigErr(errors.Errorf("batching: invalid batch size %d", n))
	}
	q.batchSize = n
	return q
}

// MinFill sets the minimum number of examples that must be buffered before any batch is released.
// See MinQueueExamples.
func (q *Queue) MinFill(n int) *Queue {
	if n < 0 {
		q.setConfigErr(errors.Errorf("batching: invalid minimum fill %d", n))
	}
	q.minFill = n
	return q
}

// Workers sets the number of producer goroutines. If 0 it uses runtime.NumCPU().
func (q *Queue) Workers(n int) *Queue {
	if n < 0 {
		q.setConfigErr(errors.Errorf("batching: invalid number of workers %d", n))
	}
	if n == 0 {
		n = runtime.NumCPU()
	}
	q.workers = n
	return q
}

// Timeout sets the maximum time Next waits without any new example being produced. The wait is re-armed
// every time an example arrives, so a slow but steady fill never times out.
// 0 means wait forever (until the context is done).
func (q *Queue) Timeout(timeout time.Duration) *Queue {
	q.timeout = timeout
	return q
}

// Seed sets the seed of the random number generator used in Shuffled mode.
func (q *Queue) Seed(seed int64) *Queue {
	q.seed = seed
	return q
}

// WithProgressBar displays a progress bar while the queue fills up to its minimum.
func (q *Queue) WithProgressBar(show bool) *Queue {
	q.progress = show
	return q
}

// Capacity returns the maximum number of buffered examples: the minimum fill plus room for 3 batches.
func (q *Queue) Capacity() int {
	return q.minFill + capacityInBatches*q.batchSize
}

// releaseThreshold is the number of buffered examples required to release one batch.
func (q *Queue) releaseThreshold() int {
	if q.mode == Shuffled {
		// minFill examples must remain in the buffer after the batch is drawn.
		return q.minFill + q.batchSize
	}
	return max(q.minFill, q.batchSize)
}

// Start the producer goroutines. Producers are stopped when ctx is cancelled or Close is called.
//
// It returns the Queue, so it can be chained with the configuration calls.
func (q *Queue) Start(ctx context.Context) (*Queue, error) {
	if q.configErr != nil {
		return nil, q.configErr
	}
	if q.started {
		return nil, errors.New("batching: Queue.Start called more than once")
	}
	if q.producer == nil {
		return nil, errors.New("batching: no producer given")
	}
	q.started = true
	q.rng = rand.New(rand.NewSource(q.seed))
	q.changed = make(chan struct{})
	q.buffer = make([]Example, 0, q.Capacity())
	if q.progress && q.minFill > 0 {
		q.fillBar = progressbar.NewOptions(q.minFill,
			progressbar.OptionSetDescription("Filling queue"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetItsString("images"),
			progressbar.OptionShowIts(),
			progressbar.OptionClearOnFinish(),
		)
	}
	if q.minFill > 0 {
		klog.Infof("Filling queue with %d images before starting to train (%s mode, capacity %d). "+
			"This will take a few minutes.", q.minFill, q.mode, q.Capacity())
	}

	var workersCtx context.Context
	workersCtx, q.cancel = context.WithCancel(ctx)
	q.running = xsync.NewDynamicWaitGroup()
	q.running.Add(q.workers)
	for ii := 0; ii < q.workers; ii++ {
		go func(worker int) {
			defer q.running.Done()
			q.produceLoop(workersCtx, worker)
		}(ii)
	}
	return q, nil
}

// produceLoop is run by each producer goroutine until the context is done, the queue is closed or the producer fails.
func (q *Queue) produceLoop(ctx context.Context, worker int) {
	for {
		if ctx.Err() != nil {
			return
		}
		example, err := q.producer.Produce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				// Cancelled while producing: not a failure.
				return
			}
			q.fail(errors.WithMessagef(err, "batching: producer worker #%d failed", worker))
			return
		}
		if !q.push(ctx, example) {
			return
		}
	}
}

// notifyLocked wakes up everyone waiting on a change of the queue. It must be called with q.mu locked.
func (q *Queue) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// fail records the first fatal error and wakes up consumers.
func (q *Queue) fail(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if q.err == nil {
		klog.Errorf("%+v", err)
		q.err = err
		q.notifyLocked()
	}
}

// push adds example to the buffer, blocking while the buffer is at capacity.
// It returns false if the queue stopped before the example could be added.
func (q *Queue) push(ctx context.Context, example Example) bool {
	q.mu.Lock()
	for len(q.buffer) >= q.Capacity() {
		if q.closed || q.err != nil {
			q.mu.Unlock()
			return false
		}
		changed := q.changed
		q.mu.Unlock()
		select {
		case <-changed:
		case <-ctx.Done():
			return false
		}
		q.mu.Lock()
	}
	defer q.mu.Unlock()
	if q.closed || q.err != nil {
		return false
	}
	q.buffer = append(q.buffer, example)
	q.produced++
	if !q.filled && len(q.buffer) >= q.minFill {
		q.filled = true
		if q.fillBar != nil {
			_ = q.fillBar.Finish()
		}
		if q.minFill > 0 {
			klog.V(1).Infof("queue reached its minimum fill of %d examples", q.minFill)
		}
	} else if !q.filled && q.fillBar != nil {
		_ = q.fillBar.Set(len(q.buffer))
	}
	q.notifyLocked()
	return true
}

// Next blocks until a full batch can be released and returns it.
//
// It returns an error if ctx is done, the queue was closed (ErrClosed), a producer failed (its error is returned),
// or if producers stalled, adding no example for the configured timeout (ErrTimeout).
func (q *Queue) Next(ctx context.Context) (*Batch, error) {
	if !q.started {
		return nil, errors.New("batching: Queue.Next called before Start")
	}
	var (
		timer    *time.Timer
		deadline <-chan time.Time
	)
	if q.timeout > 0 {
		timer = time.NewTimer(q.timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	threshold := q.releaseThreshold()
	q.mu.Lock()
	lastProduced := q.produced
	for {
		if timer != nil && q.produced > lastProduced {
			lastProduced = q.produced
			timer.Reset(q.timeout)
		}
		if q.err != nil {
			err := q.err
			q.mu.Unlock()
			return nil, err
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		if len(q.buffer) >= threshold {
			break
		}
		changed := q.changed
		q.mu.Unlock()
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), "batching: waiting for batch")
		case <-deadline:
			q.mu.Lock()
			if q.produced > lastProduced {
				// Raced with a new example: the loop re-arms the timer.
				continue
			}
			buffered := len(q.buffer)
			q.mu.Unlock()
			return nil, errors.Wrapf(ErrTimeout, "batching: no example produced for %s, only %d examples buffered, %d needed to release a batch",
				q.timeout, buffered, threshold)
		}
		q.mu.Lock()
	}
	examples := q.takeLocked()
	q.released += int64(len(examples))
	q.notifyLocked()
	q.mu.Unlock()
	return NewBatch(examples)
}

// takeLocked removes one batch of examples from the buffer. It must be called with q.mu locked.
func (q *Queue) takeLocked() []Example {
	examples := make([]Example, q.batchSize)
	if q.mode == Sequential {
		copy(examples, q.buffer[:q.batchSize])
		remaining := copy(q.buffer, q.buffer[q.batchSize:])
		clear(q.buffer[remaining:])
		q.buffer = q.buffer[:remaining]
		return examples
	}
	for ii := range examples {
		last := len(q.buffer) - 1
		pick := q.rng.Intn(last + 1)
		examples[ii] = q.buffer[pick]
		q.buffer[pick] = q.buffer[last]
		q.buffer[last] = Example{}
		q.buffer = q.buffer[:last]
	}
	return examples
}

// Stats of a Queue.
type Stats struct {
	Mode                    Mode
	Size, Capacity, MinFill int
	Produced, Released      int64
	RunningWorkers, Workers int
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Stats{
		Mode:     q.mode,
		Size:     len(q.buffer),
		Capacity: q.Capacity(),
		MinFill:  q.minFill,
		Produced: q.produced,
		Released: q.released,
		Workers:  q.workers,
	}
	if q.running != nil {
		s.RunningWorkers = q.running.Count()
	}
	return s
}

// Close signals all producers to stop and waits for them up to grace.
//
// Producers that are still running after the grace period (e.g. blocked decoding a large image)
// are left to finish on their own: Close logs a warning and returns false.
// It returns true if all producers stopped within the grace period. Calling Close more than once is fine.
func (q *Queue) Close(grace time.Duration) bool {
	if !q.started {
		return true
	}
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.notifyLocked()
	}
	q.mu.Unlock()
	q.cancel()
	if q.running.WaitTimeout(grace) {
		return true
	}
	klog.Warningf("batching: %d producer workers still running after a grace period of %s, proceeding without them",
		q.running.Count(), grace)
	return false
}
