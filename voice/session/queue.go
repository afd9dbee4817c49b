// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package voice_session

import (
	"errors"
	"sync"
	"time"

	"github.com/rapidaai/tutortalk/pkg/commons"
)

// OperationType identifies a queued state-mutating operation.
type OperationType string

const (
	OpStartSession   OperationType = "startSession"
	OpStopSession    OperationType = "stopSession"
	OpChangeScenario OperationType = "changeScenario"
)

var (
	// ErrDuplicateStart rejects a startSession enqueued while another start
	// is already queued or executing.
	ErrDuplicateStart = errors.New("a session start is already in progress")

	// ErrQueueDestroyed rejects operations after Destroy.
	ErrQueueDestroyed = errors.New("operation queue destroyed")
)

type opResult struct {
	value interface{}
	err   error
}

type operation struct {
	typ        OperationType
	fn         func() (interface{}, error)
	result     chan opResult
	enqueuedAt time.Time
}

// OperationQueue serializes the public mutating operations so none overlap.
// Entries are dequeued strictly FIFO; a single processing loop runs at a
// time, guarded by the processing latch.
type OperationQueue struct {
	mu         sync.Mutex
	logger     commons.Logger
	entries    []*operation
	inFlight   map[OperationType]int
	processing bool
	destroyed  bool
}

// NewOperationQueue creates an empty queue.
func NewOperationQueue(logger commons.Logger) *OperationQueue {
	return &OperationQueue{
		logger:   logger,
		inFlight: make(map[OperationType]int),
	}
}

// Enqueue submits an operation and blocks until it has executed. Duplicate
// semantics: a second concurrent start is rejected with ErrDuplicateStart; a
// second concurrent stop resolves as success without running (the first stop
// already does the work).
func (q *OperationQueue) Enqueue(typ OperationType, fn func() (interface{}, error)) (interface{}, error) {
	q.mu.Lock()
	if q.destroyed {
		q.mu.Unlock()
		return nil, ErrQueueDestroyed
	}
	if q.inFlight[typ] > 0 {
		switch typ {
		case OpStartSession:
			q.mu.Unlock()
			return nil, ErrDuplicateStart
		case OpStopSession:
			q.mu.Unlock()
			return nil, nil
		}
	}

	op := &operation{
		typ:        typ,
		fn:         fn,
		result:     make(chan opResult, 1),
		enqueuedAt: time.Now(),
	}
	q.entries = append(q.entries, op)
	q.inFlight[typ]++

	startLoop := !q.processing
	if startLoop {
		q.processing = true
	}
	q.mu.Unlock()

	if startLoop {
		go q.process()
	}

	res := <-op.result
	return res.value, res.err
}

// process drains the queue sequentially. Only one loop runs at a time.
func (q *OperationQueue) process() {
	for {
		q.mu.Lock()
		if q.destroyed || len(q.entries) == 0 {
			q.processing = false
			q.mu.Unlock()
			return
		}
		op := q.entries[0]
		q.entries = q.entries[1:]
		q.mu.Unlock()

		value, err := q.run(op)

		q.mu.Lock()
		q.inFlight[op.typ]--
		q.mu.Unlock()

		op.result <- opResult{value: value, err: err}
	}
}

func (q *OperationQueue) run(op *operation) (value interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			q.logger.Errorw("queued operation panicked", "type", string(op.typ), "panic", rec)
			err = errors.New("operation panicked")
		}
	}()
	return op.fn()
}

// Destroy clears pending entries (each rejected with ErrQueueDestroyed) and
// stops the processing loop. The queue accepts nothing afterwards.
func (q *OperationQueue) Destroy() {
	q.mu.Lock()
	q.destroyed = true
	pending := q.entries
	q.entries = nil
	for _, op := range pending {
		q.inFlight[op.typ]--
	}
	q.mu.Unlock()

	for _, op := range pending {
		op.result <- opResult{err: ErrQueueDestroyed}
	}
}

// Destroyed reports whether Destroy has run.
func (q *OperationQueue) Destroyed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.destroyed
}

// Len reports the number of queued, not-yet-executing entries.
func (q *OperationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
