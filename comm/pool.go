package comm

import (
	"io"
	"sync"
	"time"
)

// Pool is a communication pool which holds one or more connections to a device
// that will be closed if they are not in use, and re-opened as needed.
// It is concurrent safe.  Pools must be created with NewPool.
type Pool struct {
	maker   CreationFunc
	timeout time.Duration // idle time after which unused connections are closed

	slots chan struct{}           // one token per connection on lease
	idle  chan io.ReadWriteCloser // connections ready for reuse

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
}

// NewPool creates a pool of at most maxSize connections created by maker.
// Idle connections are closed after timeout.
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Pool{
		maker:   maker,
		timeout: timeout,
		slots:   make(chan struct{}, maxSize),
		idle:    make(chan io.ReadWriteCloser, maxSize),
	}
}

// Get retrieves a connection, blocking until one is available if all are in
// use.  It is guaranteed that there is no contention for the ReadWriter.
//
// When done with the connection, return it with Put, or discard it with
// Destroy if it has gone bad.  ReturnWithError chooses between the two.
// If the error from Get is not nil, nothing must be returned to the pool.
func (p *Pool) Get() (io.ReadWriter, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()

	p.slots <- struct{}{}
	select {
	case c := <-p.idle:
		return c, nil
	default:
	}
	c, err := p.maker()
	if err != nil {
		<-p.slots
		return nil, err
	}
	return c, nil
}

// Put restores a connection to the pool
func (p *Pool) Put(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	p.mu.Lock()
	defer p.mu.Unlock()
	<-p.slots
	if p.closed {
		rwc.Close()
		return
	}
	p.idle <- rwc
	if len(p.slots) == 0 && p.timeout > 0 {
		p.timer = time.AfterFunc(p.timeout, p.reclaim)
	}
}

// Destroy immediately frees a connection from the pool.  This should be used
// instead of Put if the connection has gone bad.
func (p *Pool) Destroy(rw io.ReadWriter) {
	rw.(io.ReadWriteCloser).Close()
	<-p.slots
}

// ReturnWithError returns rw to the pool if err is nil and destroys it otherwise
func (p *Pool) ReturnWithError(rw io.ReadWriter, err error) {
	if err != nil {
		p.Destroy(rw)
		return
	}
	p.Put(rw)
}

// Size returns the number of connections in the pool, or given out from it
func (p *Pool) Size() int {
	return len(p.idle) + len(p.slots)
}

// Active returns the number of connections owned by the pool that are currently
// given out
func (p *Pool) Active() int {
	return len(p.slots)
}

// Close closes every idle connection.  Connections on lease are closed as
// they are returned.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.timer != nil {
		p.timer.Stop()
	}
	return p.drain()
}

func (p *Pool) reclaim() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.slots) != 0 {
		return
	}
	p.drain()
}

// drain closes the idle connections; p.mu must be held
func (p *Pool) drain() error {
	var first error
	for {
		select {
		case c := <-p.idle:
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		default:
			return first
		}
	}
}
