// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package taskpool provides a fixed-size pool of workers consuming tasks
// from an unbuffered channel. Submitting blocks until a worker is free,
// which gives natural backpressure without any queueing policy.
package taskpool

import (
	"sync"
)

// Pool runs submitted tasks on a fixed number of goroutines.
type Pool struct {
	tasks chan func()
	wg    sync.WaitGroup
}

// New returns a running pool with the given number of workers. Workers are
// spawned immediately and live until Stop is called. A non-positive worker
// count falls back to one worker.
func New(workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}

	p := &Pool{
		tasks: make(chan func()),
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}

	return p
}

// Worker just executes tasks from the channel until the pool is stopped.
func (p *Pool) worker() {
	defer p.wg.Done()

	for task := range p.tasks {
		task()
	}
}

// Submit hands task to a free worker. It blocks until a worker picks the
// task up. Submitting to a stopped pool panics.
func (p *Pool) Submit(task func()) {
	p.tasks <- task
}

// Stop closes the pool and waits until all workers finished their current
// task. No Submit may be in flight or follow.
func (p *Pool) Stop() {
	close(p.tasks)
	p.wg.Wait()
}
