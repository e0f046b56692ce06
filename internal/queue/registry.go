package queue

import (
	"fmt"
	"sort"
	"sync"
)

// registry maps (queue, kind) to handlers and tracks per-queue worker pool
// sizes. Registration happens during startup before workers run; the engine
// seals the registry on Start, after which lookups are lock-free reads.
type registry struct {
	mu       sync.RWMutex
	handlers map[string]map[string]Handler // queue -> kind -> handler
	pools    map[string]int                // queue -> worker pool size
	sealed   bool
}

func newRegistry() *registry {
	return &registry{
		handlers: make(map[string]map[string]Handler),
		pools:    make(map[string]int),
	}
}

// register binds a handler to (queue, kind) and raises the queue's pool size
// to at least concurrency. Duplicate registration is a programming error and
// is rejected rather than silently replaced.
func (r *registry) register(queue, kind string, handler Handler, concurrency int) error {
	if queue == "" || kind == "" {
		return fmt.Errorf("%w: queue and kind are required", ErrKindUnknown)
	}

	if handler == nil {
		return fmt.Errorf("handler for %s/%s cannot be nil", queue, kind)
	}

	if concurrency < 1 {
		concurrency = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return ErrEngineStarted
	}

	kinds, ok := r.handlers[queue]
	if !ok {
		kinds = make(map[string]Handler)
		r.handlers[queue] = kinds
	}

	if _, exists := kinds[kind]; exists {
		return fmt.Errorf("%w: %s/%s", ErrHandlerAlreadyRegistered, queue, kind)
	}

	kinds[kind] = handler

	if concurrency > r.pools[queue] {
		r.pools[queue] = concurrency
	}

	return nil
}

// seal freezes the registry. Called once by the engine at Start.
func (r *registry) seal() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sealed = true
}

// lookup returns the handler for (queue, kind), or false when the kind is
// unknown on that queue.
func (r *registry) lookup(queue, kind string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds, ok := r.handlers[queue]
	if !ok {
		return nil, false
	}

	handler, ok := kinds[kind]

	return handler, ok
}

// knownQueue reports whether any handler was registered for the queue.
func (r *registry) knownQueue(queue string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.handlers[queue]

	return ok
}

// queues returns the registered queue names with their pool sizes, sorted for
// deterministic startup logging.
func (r *registry) queues() []poolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]poolSpec, 0, len(r.pools))
	for queue, size := range r.pools {
		specs = append(specs, poolSpec{queue: queue, workers: size})
	}

	sort.Slice(specs, func(i, j int) bool { return specs[i].queue < specs[j].queue })

	return specs
}

type poolSpec struct {
	queue   string
	workers int
}
