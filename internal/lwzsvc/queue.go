package lwzsvc

import (
	"sync"

	"go.uber.org/zap"
)

// PacketType tags a queued chunk with its command family. Coalescing rules
// differ per family.
type PacketType uint8

const (
	// PacketPBA sets all 32 per-output profile values in one report. A
	// later PBA fully supersedes an earlier one.
	PacketPBA PacketType = iota
	// PacketSBA sets the on/off state of all outputs plus the global pulse
	// speed.
	PacketSBA
	// PacketRAW is passed through unchanged and never coalesced.
	PacketRAW
)

// queueLength is the ring capacity. The controller's bandwidth is around
// 2 kB/s, so 64 chunks corresponds to roughly one second of backlog.
const queueLength = 64

type chunk struct {
	dev  *Device
	typ  PacketType
	n    int
	data [maxPayload]byte
}

type queueState int

const (
	queueRunning queueState = iota
	queueShuttingDown
)

// Queue moves outgoing chunks from producer goroutines to a single writer
// goroutine, coalescing redundant SBA/PBA traffic so that the effective
// device state stays close to the client state even when commands arrive
// faster than the device accepts them.
//
// Each queued chunk holds one reference on its target device; the reference
// is released after the chunk is written, or when the queue shuts down with
// the chunk still pending.
type Queue struct {
	log *zap.Logger

	mu       sync.Mutex
	notFull  *sync.Cond // producer wait: a slot freed up
	notEmpty *sync.Cond // consumer wait: data arrived
	drained  *sync.Cond // drain wait: consumer idle on an empty queue

	rpos, wpos int
	level      int
	state      queueState

	rblocked bool // consumer is blocked waiting for data
	eblocked bool // a drain waiter is parked

	buf [queueLength]chunk

	wg     sync.WaitGroup
	exited chan struct{}
}

// OpenQueue allocates a queue and starts its writer goroutine.
func OpenQueue(log *zap.Logger) *Queue {
	q := newQueue(log)
	q.wg.Add(1)
	go q.writeLoop()
	return q
}

func newQueue(log *zap.Logger) *Queue {
	q := &Queue{
		log:    log,
		exited: make(chan struct{}),
	}
	q.notFull = sync.NewCond(&q.mu)
	q.notEmpty = sync.NewCond(&q.mu)
	q.drained = sync.NewCond(&q.mu)
	return q
}

func (q *Queue) writeLoop() {
	defer close(q.exited)
	defer q.wg.Done()
	buf := make([]byte, maxPayload)
	for {
		dev, n := q.Shift(buf)
		if n == 0 || dev == nil {
			return
		}
		dev.Write(buf[:n])
		dev.Release()
	}
}

// Push enqueues one chunk for dev, coalescing with an already queued chunk
// where the rules allow. It blocks while the queue is full. A nil or empty
// payload, or one longer than 32 bytes, is treated as a shutdown sentinel.
// Returns len(p) on accept (including coalesce), 0 once the queue is
// shutting down.
func (q *Queue) Push(dev *Device, typ PacketType, p []byte) int {
	if p == nil || len(p) == 0 || len(p) > maxPayload {
		dev = nil
		p = nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.state != queueRunning {
			return 0
		}

		if q.coalesce(dev, typ, p) {
			return len(p)
		}

		if q.level < queueLength {
			break
		}
		q.notFull.Wait()
	}

	c := &q.buf[q.wpos]
	if dev != nil {
		dev.AddRef()
	}
	c.dev = dev
	c.typ = typ
	c.n = len(p)
	copy(c.data[:], p)

	q.wpos = (q.wpos + 1) % queueLength
	q.level++

	if q.rblocked {
		q.notEmpty.Signal()
	}
	return len(p)
}

// coalesce applies the PBA and SBA substitution rules against the queued
// chunks for dev. Caller holds q.mu. Returns true if p replaced the payload
// of an existing chunk.
func (q *Queue) coalesce(dev *Device, typ PacketType, p []byte) bool {
	if dev == nil {
		return false
	}

	switch typ {
	case PacketPBA:
		// A PBA overwrites all 32 profile values, so a newer one always
		// supersedes any PBA still waiting in the queue. Applying only the
		// latest keeps the device state in step with the client even when
		// updates outrun the device; intermediate fade steps are dropped.
		for i, pos := 0, q.rpos; i < q.level; i, pos = i+1, (pos+1)%queueLength {
			c := &q.buf[pos]
			if c.dev == dev && c.typ == PacketPBA {
				copy(c.data[:], p)
				c.n = len(p)
				return true
			}
		}

	case PacketSBA:
		// An SBA likewise sets all outputs, so the last queued SBA can be
		// overwritten - but not across a later PBA for the same device.
		// Clients set a port's brightness (PBA) before switching it on
		// (SBA); moving that SBA in front of the PBA would turn the port
		// on at its stale brightness.
		last := -1
		for i, pos := 0, q.rpos; i < q.level; i, pos = i+1, (pos+1)%queueLength {
			c := &q.buf[pos]
			if c.dev != dev {
				continue
			}
			switch c.typ {
			case PacketSBA:
				last = pos
			case PacketPBA:
				last = -1
			}
		}
		if last >= 0 {
			c := &q.buf[last]
			copy(c.data[:], p)
			c.n = len(p)
			return true
		}
	}
	return false
}

// Shift removes the next chunk, blocking while the queue is empty. It
// returns the chunk's device (with the chunk's reference still held; the
// caller releases it) and the payload length copied into p. A zero length
// means the shutdown sentinel was consumed; the caller should exit. p must
// hold at least 32 bytes.
func (q *Queue) Shift(p []byte) (*Device, int) {
	if len(p) < maxPayload {
		return nil, 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.state != queueRunning {
			return nil, 0
		}

		if q.level > 0 {
			break
		}
		q.rblocked = true
		if q.eblocked {
			q.drained.Broadcast()
		}
		q.notEmpty.Wait()
	}

	c := &q.buf[q.rpos]
	dev := c.dev
	c.dev = nil

	n := c.n
	if n > 0 {
		copy(p, c.data[:n])
	} else {
		// Sentinel: stop accepting chunks and wake every parked producer
		// and drain waiter so they observe the state change.
		q.state = queueShuttingDown
		q.notFull.Broadcast()
		q.drained.Broadcast()
	}

	q.rpos = (q.rpos + 1) % queueLength
	q.level--

	q.rblocked = false
	q.notFull.Signal()

	return dev, n
}

// WaitEmpty blocks until every previously pushed chunk has been handed to
// its device, i.e. the queue is empty and the writer is parked waiting for
// data. Returns immediately once the queue is shutting down.
func (q *Queue) WaitEmpty() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.state != queueRunning {
			return
		}
		if q.level == 0 && q.rblocked {
			q.eblocked = false
			return
		}
		q.eblocked = true
		q.drained.Wait()
	}
}

// Level reports the number of chunks currently queued.
func (q *Queue) Level() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.level
}

// Close pushes the shutdown sentinel and waits for the writer goroutine to
// finish. With unloading set, it waits only on the writer-exited signal
// rather than joining, which is safe to call from a teardown context that
// must not wait on goroutine completion directly. Chunks still queued at
// shutdown are dropped and their device references released.
func (q *Queue) Close(unloading bool) {
	q.Push(nil, PacketRAW, nil)

	if unloading {
		<-q.exited
	} else {
		q.wg.Wait()
	}

	q.mu.Lock()
	for q.level > 0 {
		c := &q.buf[q.rpos]
		if c.dev != nil {
			c.dev.Release()
			c.dev = nil
		}
		q.rpos = (q.rpos + 1) % queueLength
		q.level--
	}
	q.mu.Unlock()
}
