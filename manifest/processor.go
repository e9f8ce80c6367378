package manifest

import (
	"sync"

	"github.com/cnoshb/cnosdb/version"
)

// MaxBatchSize bounds how many queued tasks one processor pass folds
// into a single manifest write, matching the source's MAX_BATCH_SIZE.
const MaxBatchSize = 64

// TaskKind distinguishes the three origins of a manifest write,
// mirrored from the source's Vnode/ColumnFile/ApplySummary split: a
// bare vnode lifecycle change, a compaction/flush's file add/remove
// batch, or a migration applying a remote vnode's edits wholesale.
// Tasks carry edits only, no bloom filters; newly added files get
// empty filters when the edits are applied.
type TaskKind int

const (
	TaskVnode TaskKind = iota
	TaskColumnFile
	TaskApplySummary
)

// Task is one unit of manifest work: a batch of edits plus the
// callback to notify once they've been durably applied.
type Task struct {
	Kind  TaskKind
	Edits []version.VersionEdit
	Done  chan error
}

// NewTask returns a Task with its Done channel pre-allocated.
func NewTask(kind TaskKind, edits []version.VersionEdit) *Task {
	return &Task{Kind: kind, Edits: edits, Done: make(chan error, 1)}
}

func (t *Task) notify(err error) {
	t.Done <- err
	close(t.Done)
}

// Processor serializes Tasks onto one Summary: tasks queue on a
// channel and a single goroutine drains up to MaxBatchSize of them per
// pass before calling Summary.ApplyVersionEdit once, batching writes
// the way the source's SummaryProcessor.batch/apply pair does.
//
// Grounded on FlashLog's WALWriter: a buffered channel plus one
// owning goroutine, with Close draining whatever is still queued.
type Processor struct {
	summary *Summary
	tasks   chan *Task
	done    chan struct{}
	wg      sync.WaitGroup
	closed  bool
	mu      sync.Mutex
}

// NewProcessor starts a Processor over summary with the given queue
// depth.
func NewProcessor(summary *Summary, queueDepth int) *Processor {
	p := &Processor{
		summary: summary,
		tasks:   make(chan *Task, queueDepth),
		done:    make(chan struct{}),
	}
	p.wg.Add(1)
	go p.loop()
	return p
}

// Submit enqueues a task and returns its completion channel. Returns
// an already-closed error channel if the processor has been closed.
func (p *Processor) Submit(t *Task) <-chan error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		ch := make(chan error, 1)
		ch <- ErrVnodeNotFound
		close(ch)
		return ch
	}
	select {
	case p.tasks <- t:
	case <-p.done:
		t.notify(ErrVnodeNotFound)
	}
	return t.Done
}

// Close stops accepting new tasks, drains whatever remains queued, and
// waits for the worker to exit.
func (p *Processor) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.done)
	p.wg.Wait()
}

func (p *Processor) loop() {
	defer p.wg.Done()
	for {
		select {
		case t := <-p.tasks:
			p.drainBatch(t)
		case <-p.done:
			for {
				select {
				case t := <-p.tasks:
					p.drainBatch(t)
				default:
					return
				}
			}
		}
	}
}

// drainBatch folds t plus up to MaxBatchSize-1 further already-queued
// tasks into one ApplyVersionEdit call, the way the source's batch()
// accumulates edits/callbacks before a single apply().
func (p *Processor) drainBatch(first *Task) {
	batch := []*Task{first}
	for len(batch) < MaxBatchSize {
		select {
		case t := <-p.tasks:
			batch = append(batch, t)
		default:
			goto apply
		}
	}
apply:
	var edits []version.VersionEdit
	for _, t := range batch {
		edits = append(edits, t.Edits...)
	}
	err := p.summary.ApplyVersionEdit(edits)
	for _, t := range batch {
		t.notify(err)
	}
}
