package console

import "sync"

// Registry hands out the per-logfile lock and shared line queue used by every
// LineReader appending to the same file. Entries are created lazily on first
// use and live for the lifetime of the process; they are never torn down.
type Registry struct {
	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	queues map[string]*BoundedLineQueue
}

// NewRegistry creates an empty registry. Construct one per process and inject
// it into readers that share log files.
func NewRegistry() *Registry {
	return &Registry{
		locks:  make(map[string]*sync.Mutex),
		queues: make(map[string]*BoundedLineQueue),
	}
}

// LockFor returns the mutex serializing writes to the given log file.
func (r *Registry) LockFor(path string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[path]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[path] = lock
	}
	return lock
}

// QueueFor returns the line queue shared by all readers logging to path.
func (r *Registry) QueueFor(path string) *BoundedLineQueue {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[path]
	if !ok {
		q = NewBoundedLineQueue(defaultQueueCapacity)
		r.queues[path] = q
	}
	return q
}

// DefaultRegistry backs readers constructed without an explicit registry.
var DefaultRegistry = NewRegistry()
