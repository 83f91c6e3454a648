package pool

import (
	"sync"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Task is a unit of work run by a pool worker.
type Task func() error

// Pool is a fixed set of workers consuming tasks from a bounded channel.
// Errors returned by tasks are collected and handed back by Await.
type Pool struct {
	size    int
	work    chan Task
	workers sync.WaitGroup
	pending sync.WaitGroup
	mu      sync.Mutex
	errs    error
	closed  bool
	once    sync.Once
}

// New starts size workers. The queue holds five tasks per worker before Add
// blocks.
func New(size int) *Pool {
	if size < 1 {
		size = 1
	}
	p := &Pool{
		size: size,
		work: make(chan Task, size*5),
	}
	for i := 0; i < size; i++ {
		p.workers.Add(1)
		go p.consume()
	}
	return p
}

func (p *Pool) Size() int {
	return p.size
}

// Add submits a task, blocking while the queue is full.
func (p *Pool) Add(task Task) {
	p.mu.Lock()
	closed := p.closed
	if !closed {
		p.pending.Add(1)
	}
	p.mu.Unlock()
	if closed {
		panic("pool: add after close")
	}
	p.work <- task
}

// Continually consumes tasks submitted to the work channel until it is closed
func (p *Pool) consume() {
	defer p.workers.Done()
	for {
		task, ok := <-p.work
		if !ok {
			// channel was closed, quit infinite loop
			break
		}
		p.run(task)
	}
}

func (p *Pool) run(task Task) {
	defer p.pending.Done()
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("pool task panicked: %v", r)
			p.record(errors.Errorf("task panicked: %v", r))
		}
	}()
	if err := task(); err != nil {
		p.record(err)
	}
}

func (p *Pool) record(err error) {
	p.mu.Lock()
	p.errs = multierr.Append(p.errs, err)
	p.mu.Unlock()
}

// Await blocks until every submitted task has finished and returns the
// errors collected since the previous Await.
func (p *Pool) Await() error {
	p.pending.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.errs
	p.errs = nil
	return err
}

// Close drains the queue and stops the workers.
func (p *Pool) Close() error {
	err := p.Await()
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.work)
		p.workers.Wait()
	})
	return err
}
