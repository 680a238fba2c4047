package elements

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prxssh/flume/internal/engine"
	"github.com/prxssh/flume/internal/errh"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMaster(t *testing.T) *engine.Master {
	t.Helper()
	cfg := engine.DefaultConfig()
	return engine.NewMaster(engine.MasterOpts{Config: cfg, Log: testLogger()})
}

type step struct {
	class, name string
	args        []string
}

func buildChain(t *testing.T, m *engine.Master, steps []step) *engine.Router {
	t.Helper()
	r := m.NewRouter(nil)
	for _, s := range steps {
		_, err := r.AddElement(s.class, s.name, s.args...)
		require.NoError(t, err)
	}
	for i := 0; i+1 < len(steps); i++ {
		require.NoError(t, r.Connect(steps[i].name, 0, steps[i+1].name, 0))
	}
	require.NoError(t, r.Initialize(errh.New(testLogger())))
	return r
}

func runMaster(t *testing.T, m *engine.Master) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	return func() {
		stop()
		<-done
	}
}

func readNum(t *testing.T, r *engine.Router, path string) string {
	t.Helper()
	out, err := r.ReadHandler(path, errh.New(testLogger()))
	require.NoError(t, err)
	return out
}

// Simple push pipeline: a bounded source through a counter into a
// discard sink.
func TestSimplePipeline(t *testing.T) {
	m := newMaster(t)
	r := buildChain(t, m, []step{
		{"InfiniteSource", "src", []string{"DATA 414243", "LIMIT 3"}},
		{"Counter", "c", nil},
		{"Discard", "sink", nil},
	})
	require.NoError(t, m.InstallRouter(r))
	stop := runMaster(t, m)
	defer stop()

	require.Eventually(t, func() bool {
		return readNum(t, r, "sink.count") == "3"
	}, 2*time.Second, time.Millisecond)

	assert.Equal(t, "3", readNum(t, r, "c.count"))
	assert.Equal(t, "9", readNum(t, r, "c.byte_count"))
	assert.Equal(t, "3", readNum(t, r, "src.count"))
}

// Push/pull boundary: a burst of 16 packets against a capacity-8 queue
// drained by a rate-limited unqueue. Half queue, half drop.
func TestQueueBackpressure(t *testing.T) {
	m := newMaster(t)
	r := buildChain(t, m, []step{
		{"InfiniteSource", "src", []string{"LIMIT 16", "BURST 16"}},
		{"Queue", "q", []string{"CAPACITY 8"}},
		{"RatedUnqueue", "shaper", []string{"RATE 200"}},
		{"Counter", "c", nil},
		{"Discard", "sink", nil},
	})
	require.NoError(t, m.InstallRouter(r))
	stop := runMaster(t, m)
	defer stop()

	require.Eventually(t, func() bool {
		return readNum(t, r, "sink.count") == "8"
	}, 5*time.Second, time.Millisecond)

	assert.Equal(t, "8", readNum(t, r, "q.drops"))
	assert.Equal(t, "16", readNum(t, r, "src.count"))
	assert.Equal(t, "0", readNum(t, r, "q.length"))

	// everything delivered; the shaper's empty signal is now inactive
	q, _ := r.Element("q")
	empty := q.Cast(engine.CastEmptyNotifier).(*engine.Notifier)
	assert.False(t, empty.Active())
}

// The queue's empty notifier parks the puller and a push wakes it.
func TestQueueNotifierWakesPuller(t *testing.T) {
	m := newMaster(t)
	r := buildChain(t, m, []step{
		{"InfiniteSource", "src", []string{"LIMIT 0", "ACTIVE false"}},
		{"Queue", "q", []string{"CAPACITY 4"}},
		{"Unqueue", "uq", nil},
		{"Discard", "sink", nil},
	})
	require.NoError(t, m.InstallRouter(r))
	stop := runMaster(t, m)
	defer stop()

	q, _ := r.Element("q")
	empty := q.Cast(engine.CastEmptyNotifier).(*engine.Notifier)
	full := q.Cast(engine.CastFullNotifier).(*engine.Notifier)
	require.False(t, empty.Active())
	require.True(t, full.Active())

	// nothing flows while the source is idle
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, "0", readNum(t, r, "sink.count"))

	// waking the source floods one packet through the queue
	eh := errh.New(testLogger())
	require.NoError(t, r.WriteHandler("src.limit", "1", eh))
	require.NoError(t, r.WriteHandler("src.active", "true", eh))
	require.NoError(t, r.WriteHandler("src.reset", "", eh))

	require.Eventually(t, func() bool {
		return readNum(t, r, "sink.count") == "1"
	}, 2*time.Second, time.Millisecond)
	assert.False(t, empty.Active())
}

// Handler RPC round trip on a live element.
func TestCounterHandlerRPC(t *testing.T) {
	m := newMaster(t)
	r := buildChain(t, m, []step{
		{"InfiniteSource", "src", []string{"LIMIT 5"}},
		{"Counter", "c", nil},
		{"Discard", "sink", nil},
	})
	require.NoError(t, m.InstallRouter(r))
	stop := runMaster(t, m)
	defer stop()

	require.Eventually(t, func() bool {
		return readNum(t, r, "c.count") == "5"
	}, 2*time.Second, time.Millisecond)

	eh := errh.New(testLogger())
	require.NoError(t, r.WriteHandler("c.reset", "", eh))
	assert.Equal(t, "0", readNum(t, r, "c.count"))
	assert.Equal(t, "0", readNum(t, r, "c.byte_count"))
}

// Tee clones to secondary outputs; paint marks each branch.
func TestTeeAndPaint(t *testing.T) {
	m := newMaster(t)
	r := m.NewRouter(nil)
	for _, s := range []step{
		{"InfiniteSource", "src", []string{"LIMIT 4"}},
		{"Tee", "tee", nil},
		{"Paint", "p0", []string{"COLOR 1"}},
		{"Paint", "p1", []string{"COLOR 2"}},
		{"Counter", "c0", nil},
		{"Counter", "c1", nil},
		{"Discard", "sink0", nil},
		{"Discard", "sink1", nil},
	} {
		_, err := r.AddElement(s.class, s.name, s.args...)
		require.NoError(t, err)
	}
	require.NoError(t, r.Connect("src", 0, "tee", 0))
	require.NoError(t, r.Connect("tee", 0, "p0", 0))
	require.NoError(t, r.Connect("tee", 1, "p1", 0))
	require.NoError(t, r.Connect("p0", 0, "c0", 0))
	require.NoError(t, r.Connect("p1", 0, "c1", 0))
	require.NoError(t, r.Connect("c0", 0, "sink0", 0))
	require.NoError(t, r.Connect("c1", 0, "sink1", 0))
	require.NoError(t, r.Initialize(errh.New(testLogger())))
	require.NoError(t, m.InstallRouter(r))
	stop := runMaster(t, m)
	defer stop()

	require.Eventually(t, func() bool {
		return readNum(t, r, "c0.count") == "4" && readNum(t, r, "c1.count") == "4"
	}, 2*time.Second, time.Millisecond)

	assert.Equal(t, "1", readNum(t, r, "p0.color"))
	assert.Equal(t, "2", readNum(t, r, "p1.color"))
}

// Hotswap: the replacement router adopts counters and queued packets;
// packets are processed by exactly one router.
func TestHotswapCarriesState(t *testing.T) {
	m := newMaster(t)

	mkSteps := func(limit string) []step {
		return []step{
			{"InfiniteSource", "src", []string{"LIMIT " + limit}},
			{"Counter", "c", nil},
			{"Discard", "sink", nil},
		}
	}

	r1 := buildChain(t, m, mkSteps("5"))
	require.NoError(t, m.InstallRouter(r1))
	stop := runMaster(t, m)
	defer stop()

	require.Eventually(t, func() bool {
		return readNum(t, r1, "c.count") == "5"
	}, 2*time.Second, time.Millisecond)

	r2 := buildChain(t, m, mkSteps("3"))
	eh := errh.New(testLogger())
	require.NoError(t, m.Hotswap(r1, r2, eh))
	assert.Equal(t, engine.RouterDead, r1.State())
	assert.Equal(t, engine.RouterRunning, r2.State())

	// adopted 5, then r2's own source contributes 3 more
	require.Eventually(t, func() bool {
		return readNum(t, r2, "c.count") == "8"
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, "3", readNum(t, r2, "src.count"))

	routers := m.Routers()
	require.Len(t, routers, 1)
	assert.Same(t, r2, routers[0])
}

// A queue hotswap moves the queued packets themselves.
func TestHotswapQueueTakesPackets(t *testing.T) {
	m := newMaster(t)

	steps := []step{
		{"InfiniteSource", "src", []string{"LIMIT 6", "BURST 6"}},
		{"Queue", "q", []string{"CAPACITY 8"}},
		{"RatedUnqueue", "uq", []string{"RATE 1"}},
		{"Discard", "sink", nil},
	}

	r1 := buildChain(t, m, steps)
	require.NoError(t, m.InstallRouter(r1))
	stop := runMaster(t, m)
	defer stop()

	// the slow shaper leaves most of the burst sitting in the queue
	require.Eventually(t, func() bool {
		return readNum(t, r1, "src.count") == "6"
	}, 2*time.Second, time.Millisecond)

	held := readNum(t, r1, "q.length")
	require.NotEqual(t, "0", held)

	steps2 := []step{
		{"InfiniteSource", "src", []string{"LIMIT 0", "ACTIVE false"}},
		{"Queue", "q", []string{"CAPACITY 8"}},
		{"RatedUnqueue", "uq", []string{"RATE 1000"}},
		{"Counter", "c", nil},
		{"Discard", "sink", nil},
	}
	r2 := buildChain(t, m, steps2)
	require.NoError(t, m.Hotswap(r1, r2, errh.New(testLogger())))

	// every packet the old queue held drains through the new router
	require.Eventually(t, func() bool {
		return readNum(t, r2, "q.length") == "0" &&
			readNum(t, r2, "c.count") == held
	}, 5*time.Second, time.Millisecond)
}

func TestQueueConfigErrors(t *testing.T) {
	m := newMaster(t)

	t.Run("bad capacity", func(t *testing.T) {
		r := m.NewRouter(nil)
		_, err := r.AddElement("Queue", "q", "CAPACITY 0")
		require.NoError(t, err)
		_, err = r.AddElement("InfiniteSource", "src")
		require.NoError(t, err)
		_, err = r.AddElement("Unqueue", "uq")
		require.NoError(t, err)
		_, err = r.AddElement("Discard", "sink")
		require.NoError(t, err)
		require.NoError(t, r.Connect("src", 0, "q", 0))
		require.NoError(t, r.Connect("q", 0, "uq", 0))
		require.NoError(t, r.Connect("uq", 0, "sink", 0))

		eh := errh.New(testLogger())
		require.Error(t, r.Initialize(eh))
		assert.Contains(t, eh.Messages(), "CAPACITY must be >= 1")
	})

	t.Run("unknown class", func(t *testing.T) {
		r := m.NewRouter(nil)
		_, err := r.AddElement("NoSuchThing", "x")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown element class")
	})

	t.Run("unknown keyword", func(t *testing.T) {
		r := m.NewRouter(nil)
		_, err := r.AddElement("InfiniteSource", "src", "BOGUS 1")
		require.NoError(t, err)
		_, err = r.AddElement("Discard", "sink")
		require.NoError(t, err)
		require.NoError(t, r.Connect("src", 0, "sink", 0))

		eh := errh.New(testLogger())
		require.Error(t, r.Initialize(eh))
		assert.Contains(t, eh.Messages(), "unknown keyword BOGUS")
	})
}
