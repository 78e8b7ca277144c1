package session

import (
	"context"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesession/internal/device"
	"github.com/srg/blesession/pkg/config"
)

// opKind distinguishes completions that share an identity key.
type opKind int

const (
	opRead opKind = iota
	opWrite
	opNotify
	opMTU
	opDiscover
)

func (k opKind) String() string {
	switch k {
	case opRead:
		return "read"
	case opWrite:
		return "write"
	case opNotify:
		return "notify"
	case opMTU:
		return "mtu"
	case opDiscover:
		return "discover"
	default:
		return "unknown"
	}
}

type opResult struct {
	value    []byte
	mtu      int
	services []device.ServiceInfo
	err      error
}

// operation is a queued GATT procedure and the one-shot channel its caller waits on.
type operation struct {
	key     string
	address string
	kind    opKind
	start   func() error

	once   sync.Once
	result chan opResult
}

func newOperation(key string, kind opKind, start func() error) *operation {
	return &operation{
		key:     key,
		address: device.AddressOf(key),
		kind:    kind,
		start:   start,
		result:  make(chan opResult, 1),
	}
}

// resolve delivers r to the waiting caller. Only the first call has any effect.
func (op *operation) resolve(r opResult) {
	op.once.Do(func() { op.result <- r })
}

// wait blocks until the operation resolves or ctx is done.
// An abandoned operation stays queued and still advances the serializer when it completes.
func (op *operation) wait(ctx context.Context) opResult {
	select {
	case r := <-op.result:
		return r
	case <-ctx.Done():
		return opResult{err: ctx.Err()}
	}
}

// serializer is a FIFO of operations with at most one in flight.
// The in-flight slot is released only by the matching native completion,
// by a start failure, or by a purge of its device.
type serializer struct {
	name   string
	logger *logrus.Logger

	mu       sync.Mutex
	pending  []*operation
	inFlight *operation
}

func newSerializer(name string, logger *logrus.Logger) *serializer {
	return &serializer{name: name, logger: logger}
}

func (s *serializer) enqueue(op *operation) {
	s.mu.Lock()
	s.pending = append(s.pending, op)
	s.mu.Unlock()

	s.drain()
}

// drain starts queued operations until one is in flight or the queue is empty.
func (s *serializer) drain() {
	for {
		s.mu.Lock()
		if s.inFlight != nil || len(s.pending) == 0 {
			s.mu.Unlock()
			return
		}
		op := s.pending[0]
		s.pending[0] = nil
		s.pending = s.pending[1:]
		s.inFlight = op
		s.mu.Unlock()

		err := op.start()
		if err == nil {
			return
		}

		s.logger.WithFields(logrus.Fields{
			"queue": s.name,
			"id":    op.key,
			"op":    op.kind.String(),
			"error": err,
		}).Debug("Operation failed to start")

		s.mu.Lock()
		if s.inFlight == op {
			s.inFlight = nil
		}
		s.mu.Unlock()
		op.resolve(opResult{err: err})
	}
}

// complete resolves the in-flight operation if it matches key and kind, then advances.
func (s *serializer) complete(key string, kind opKind, r opResult) bool {
	s.mu.Lock()
	op := s.inFlight
	if op == nil || op.key != key || op.kind != kind {
		s.mu.Unlock()
		return false
	}
	s.inFlight = nil
	s.mu.Unlock()

	op.resolve(r)
	s.drain()
	return true
}

// purge resolves every queued and in-flight operation of address with err.
func (s *serializer) purge(address string, err error) int {
	s.mu.Lock()
	var purged []*operation
	kept := s.pending[:0]
	for _, op := range s.pending {
		if op.address == address {
			purged = append(purged, op)
		} else {
			kept = append(kept, op)
		}
	}
	for i := len(kept); i < len(s.pending); i++ {
		s.pending[i] = nil
	}
	s.pending = kept
	if s.inFlight != nil && s.inFlight.address == address {
		purged = append(purged, s.inFlight)
		s.inFlight = nil
	}
	s.mu.Unlock()

	for _, op := range purged {
		op.resolve(opResult{err: device.MapCharacteristicError(op.key, err)})
	}
	s.drain()
	return len(purged)
}

// Len returns the number of queued operations, excluding the one in flight.
func (s *serializer) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// InFlight returns 1 while an operation awaits its native completion.
func (s *serializer) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight != nil {
		return 1
	}
	return 0
}

// serializers hands out the serializer for an address according to the queue scope.
type serializers struct {
	scope     string
	logger    *logrus.Logger
	global    *serializer
	perDevice *hashmap.Map[string, *serializer]
}

func newSerializers(scope string, logger *logrus.Logger) *serializers {
	return &serializers{
		scope:     scope,
		logger:    logger,
		global:    newSerializer("global", logger),
		perDevice: hashmap.New[string, *serializer](),
	}
}

func (q *serializers) forAddress(address string) *serializer {
	if q.scope != config.QueueScopeDevice {
		return q.global
	}
	for {
		if s, ok := q.perDevice.Get(address); ok {
			return s
		}
		s := newSerializer(address, q.logger)
		if q.perDevice.Insert(address, s) {
			return s
		}
	}
}

// purge resolves the pending operations of address and drops its per-device queue.
func (q *serializers) purge(address string, err error) int {
	n := q.forAddress(address).purge(address, err)
	if q.scope == config.QueueScopeDevice {
		q.perDevice.Del(address)
	}
	return n
}
