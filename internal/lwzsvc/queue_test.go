package lwzsvc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func shiftOne(t *testing.T, q *Queue) (*Device, []byte) {
	t.Helper()
	buf := make([]byte, maxPayload)
	dev, n := q.Shift(buf)
	return dev, buf[:n]
}

func TestQueueRawRoundTrip(t *testing.T) {
	q := newQueue(zap.NewNop())
	dev := newFakeDevice(&fakeEndpoint{})

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	n := q.Push(dev, PacketRAW, payload)
	require.Equal(t, 4, n)
	require.Equal(t, int32(2), dev.refs.Load())
	require.Equal(t, 1, q.Level())

	got, data := shiftOne(t, q)
	require.Same(t, dev, got)
	require.Equal(t, payload, data)
	require.Equal(t, 0, q.Level())
	got.Release()
	require.Equal(t, int32(1), dev.refs.Load())
}

func TestQueuePBACoalesce(t *testing.T) {
	q := newQueue(zap.NewNop())
	dev := newFakeDevice(&fakeEndpoint{})

	p1 := make([]byte, 32)
	p1[0] = 10
	p2 := make([]byte, 32)
	p2[0] = 20

	require.Equal(t, 32, q.Push(dev, PacketPBA, p1))
	require.Equal(t, 32, q.Push(dev, PacketPBA, p2))
	require.Equal(t, 1, q.Level())
	require.Equal(t, int32(2), dev.refs.Load())

	got, data := shiftOne(t, q)
	require.Same(t, dev, got)
	require.Equal(t, p2, data)
	got.Release()
}

func TestQueueSBACoalesce(t *testing.T) {
	q := newQueue(zap.NewNop())
	dev := newFakeDevice(&fakeEndpoint{})

	s1 := []byte{0x40, 1, 0, 0, 0, 2, 0, 0}
	s2 := []byte{0x40, 3, 0, 0, 0, 2, 0, 0}
	require.Equal(t, 8, q.Push(dev, PacketSBA, s1))
	require.Equal(t, 8, q.Push(dev, PacketSBA, s2))
	require.Equal(t, 1, q.Level())

	_, data := shiftOne(t, q)
	require.Equal(t, s2, data)
}

// An SBA must not coalesce across a PBA queued after it: the PBA sets the
// brightness the later SBA switches on.
func TestQueueSBAKeepsOrderAcrossPBA(t *testing.T) {
	q := newQueue(zap.NewNop())
	dev := newFakeDevice(&fakeEndpoint{})

	s1 := []byte{0x40, 1, 1, 1, 1, 2, 0, 0}
	p := make([]byte, 32)
	p[0] = 48
	s2 := []byte{0x40, 2, 2, 2, 2, 2, 0, 0}

	q.Push(dev, PacketSBA, s1)
	q.Push(dev, PacketPBA, p)
	q.Push(dev, PacketSBA, s2)
	require.Equal(t, 3, q.Level())

	_, d1 := shiftOne(t, q)
	require.Equal(t, s1, d1)
	_, d2 := shiftOne(t, q)
	require.Equal(t, p, d2)
	_, d3 := shiftOne(t, q)
	require.Equal(t, s2, d3)
}

func TestQueueNoCoalesceAcrossDevices(t *testing.T) {
	q := newQueue(zap.NewNop())
	dev1 := newFakeDevice(&fakeEndpoint{})
	dev2 := newFakeDevice(&fakeEndpoint{})

	p := make([]byte, 32)
	q.Push(dev1, PacketPBA, p)
	q.Push(dev2, PacketPBA, p)
	require.Equal(t, 2, q.Level())
}

func TestQueueRawNeverCoalesces(t *testing.T) {
	q := newQueue(zap.NewNop())
	dev := newFakeDevice(&fakeEndpoint{})

	q.Push(dev, PacketRAW, []byte{1})
	q.Push(dev, PacketRAW, []byte{1})
	require.Equal(t, 2, q.Level())
}

func TestQueueSentinelShutsDown(t *testing.T) {
	q := newQueue(zap.NewNop())
	dev := newFakeDevice(&fakeEndpoint{})

	require.Equal(t, 0, q.Push(nil, PacketRAW, nil))

	got, data := shiftOne(t, q)
	require.Nil(t, got)
	require.Empty(t, data)

	require.Equal(t, 0, q.Push(dev, PacketRAW, []byte{1}))
	require.Equal(t, int32(1), dev.refs.Load())

	done := make(chan struct{})
	go func() {
		q.WaitEmpty()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitEmpty did not return after shutdown")
	}
}

func TestQueueOversizePayloadIsSentinel(t *testing.T) {
	q := newQueue(zap.NewNop())
	dev := newFakeDevice(&fakeEndpoint{})

	require.Equal(t, 0, q.Push(dev, PacketRAW, make([]byte, 33)))
	require.Equal(t, int32(1), dev.refs.Load())

	_, data := shiftOne(t, q)
	require.Empty(t, data)
}

func TestQueueBackpressure(t *testing.T) {
	q := newQueue(zap.NewNop())
	dev := newFakeDevice(&fakeEndpoint{})

	for i := 0; i < queueLength; i++ {
		require.Equal(t, 1, q.Push(dev, PacketRAW, []byte{byte(i)}))
	}
	require.Equal(t, queueLength, q.Level())

	pushed := make(chan struct{})
	go func() {
		q.Push(dev, PacketRAW, []byte{0xFF})
		close(pushed)
	}()

	select {
	case <-pushed:
		t.Fatal("push into a full queue did not block")
	case <-time.After(50 * time.Millisecond):
	}

	got, _ := shiftOne(t, q)
	got.Release()

	select {
	case <-pushed:
	case <-time.After(time.Second):
		t.Fatal("blocked push did not resume after shift")
	}
	require.Equal(t, queueLength, q.Level())
}

func TestQueueWaitEmptyFlushes(t *testing.T) {
	ep := &fakeEndpoint{gate: make(chan struct{})}
	dev := newFakeDevice(ep)
	q := OpenQueue(zap.NewNop())

	for i := 0; i < 3; i++ {
		q.Push(dev, PacketRAW, []byte{byte(i)})
	}

	done := make(chan struct{})
	go func() {
		q.WaitEmpty()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitEmpty returned while writes were pending")
	case <-time.After(50 * time.Millisecond):
	}

	close(ep.gate)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitEmpty did not return after the queue drained")
	}
	require.Len(t, ep.writeLog(), 3)

	q.Close(false)
}

func TestQueueCloseReleasesPending(t *testing.T) {
	q := newQueue(zap.NewNop())
	dev := newFakeDevice(&fakeEndpoint{})

	for i := 0; i < 3; i++ {
		q.Push(dev, PacketRAW, []byte{byte(i)})
	}
	require.Equal(t, int32(4), dev.refs.Load())

	q.Close(false)
	require.Equal(t, int32(1), dev.refs.Load())
}

func TestQueueWriterWritesAndReleases(t *testing.T) {
	ep := &fakeEndpoint{}
	dev := newFakeDevice(ep)
	q := OpenQueue(zap.NewNop())

	q.Push(dev, PacketRAW, []byte{0xAB, 0xCD})
	q.WaitEmpty()

	writes := ep.writeLog()
	require.Len(t, writes, 1)
	// The device frames the payload with a zero report-id byte.
	require.Equal(t, []byte{0x00, 0xAB, 0xCD}, writes[0])
	require.Equal(t, int32(1), dev.refs.Load())

	q.Close(false)
}
