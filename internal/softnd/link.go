package softnd

import (
	"net"
	"sync"
)

// link carries frames for one established connection. Outgoing frames are
// queued and written by a dedicated goroutine, so posting never blocks on the
// socket while the queue pair lock is held.
type link struct {
	conn       net.Conn
	maxPayload uint32

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*frame
	closing bool
	dead    bool

	written chan struct{}
	stopped chan struct{}
}

func newLink(conn net.Conn, maxPayload uint32) *link {
	l := &link{
		conn:       conn,
		maxPayload: maxPayload,
		written:    make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)
	go l.writeLoop()
	return l
}

// enqueue schedules f for transmission. Frames queued after shutdown began
// are dropped.
func (l *link) enqueue(f *frame) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closing || l.dead {
		return false
	}
	l.queue = append(l.queue, f)
	l.cond.Signal()
	return true
}

// shutdown queues a disconnect frame, lets the writer drain and then closes
// the socket. The returned channel closes once the socket is closed.
func (l *link) shutdown() <-chan struct{} {
	l.mu.Lock()
	if !l.closing && !l.dead {
		l.queue = append(l.queue, &frame{op: opDisconnect})
	}
	l.closing = true
	l.cond.Signal()
	l.mu.Unlock()
	return l.written
}

// abort closes the socket without draining.
func (l *link) abort() {
	l.mu.Lock()
	l.dead = true
	l.queue = nil
	l.cond.Signal()
	l.mu.Unlock()
	_ = l.conn.Close()
}

func (l *link) writeLoop() {
	defer close(l.written)
	defer l.conn.Close()
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closing && !l.dead {
			l.cond.Wait()
		}
		if l.dead {
			l.mu.Unlock()
			return
		}
		batch := l.queue
		l.queue = nil
		closing := l.closing
		l.mu.Unlock()

		if len(batch) == 0 && closing {
			return
		}
		for _, f := range batch {
			if err := writeFrame(l.conn, f); err != nil {
				l.mu.Lock()
				l.dead = true
				l.queue = nil
				l.mu.Unlock()
				return
			}
		}
	}
}

// readLoop feeds incoming frames to handle until it returns false or the
// socket fails, then calls onExit once.
func (l *link) readLoop(handle func(*frame) bool, onExit func()) {
	defer close(l.stopped)
	defer onExit()
	for {
		f, err := readFrame(l.conn, l.maxPayload)
		if err != nil {
			return
		}
		if !handle(f) {
			return
		}
	}
}
