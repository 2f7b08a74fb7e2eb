package strategy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"esb-runtime/internal/event"
	"esb-runtime/internal/pipeline"
	"esb-runtime/internal/processor"
	"esb-runtime/internal/stream"
)

type namedRuntime string

func (r namedRuntime) Name() string       { return string(r) }
func (namedRuntime) Hooks() *stream.Hooks { return nil }

func step(name string, typ processor.ProcessingType) *processor.FuncProcessor {
	return processor.New(name, typ, func(_ context.Context, ev *event.Event) (*event.Event, error) {
		return event.From(ev).Payload(ev.Payload().(string) + name).Build(), nil
	})
}

func newEvent() *event.Event {
	return event.New(event.NewContext("test"), "")
}

func submitted(pools []*pipeline.Pool) uint64 {
	var n uint64
	for _, p := range pools {
		n += p.Metrics().GetSubmitted()
	}
	return n
}

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry(DefaultConfig())
	assert.Equal(t, []string{
		NameBlocking,
		NameDirect,
		NameProactor,
		NameProactorStreamEmitter,
		NameTransactionalProactor,
		NameTransactionalEmitter,
	}, r.Names())

	s, err := r.Create(nil, NameProactor)
	require.NoError(t, err)
	assert.IsType(t, &Proactor{}, s)

	_, err = r.Create(nil, "virtual-threads")
	assert.ErrorIs(t, err, ErrUnknownStrategy)
}

func TestRegistryCustomFactory(t *testing.T) {
	r := NewRegistry()
	var got string
	r.Register("custom", FactoryFunc(func(rt processor.Runtime, name string) (Strategy, error) {
		got = poolPrefix(rt, name)
		return Direct(), nil
	}))

	_, err := r.Create(namedRuntime("app"), "custom")
	require.NoError(t, err)
	assert.Equal(t, "app.custom", got)
}

func TestDirectIsIdentity(t *testing.T) {
	p := step("a", processor.IORW)
	s := Direct()
	assert.Same(t, p, s.OnProcessor(p))
	assert.Same(t, p, s.OnPipeline(p))
	assert.NoError(t, s.Start())
	assert.NoError(t, s.Stop())
}

func TestProactorDecoratesOnlyHeavySteps(t *testing.T) {
	s := NewProactor("test", DefaultConfig())
	light := step("light", processor.CPULight)
	io := step("io", processor.IORW)

	assert.Same(t, light, s.OnProcessor(light))
	assert.Same(t, light, s.OnPipeline(light))

	decorated := s.OnProcessor(io)
	assert.NotSame(t, io, decorated)
	assert.Same(t, decorated, s.OnProcessor(decorated), "decorating twice is a no-op")
	assert.Equal(t, processor.IORW, processor.TypeOf(decorated))
	assert.Equal(t, "io", processor.NameOf(decorated))
}

func TestProactorRunsHeavyStepsOnPools(t *testing.T) {
	s := NewProactor("test", DefaultConfig())
	require.NoError(t, s.Start())
	defer s.Stop()
	assert.Len(t, s.Pools(), 2)

	for _, typ := range []processor.ProcessingType{processor.CPUIntensive, processor.IORW, processor.Blocking} {
		res, err := processor.Process(context.Background(), s.OnProcessor(step("x", typ)), newEvent())
		require.NoError(t, err)
		assert.Equal(t, "x", res.Payload())
	}
	assert.Equal(t, uint64(3), submitted(s.Pools()))
}

func TestProactorReportsStepErrors(t *testing.T) {
	s := NewProactor("test", DefaultConfig())
	require.NoError(t, s.Start())
	defer s.Stop()

	boom := errors.New("boom")
	failing := processor.New("fail", processor.IORW, func(context.Context, *event.Event) (*event.Event, error) {
		return nil, boom
	})
	_, err := processor.Process(context.Background(), s.OnProcessor(failing), newEvent())
	assert.ErrorIs(t, err, boom)
}

func TestSaturatedPoolRejectsWithCapacityError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IOWorkers = 1
	cfg.QueueSize = 1
	cfg.Saturation = pipeline.Reject
	s := NewProactor("test", cfg)
	require.NoError(t, s.Start())
	defer s.Stop()

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	blocking := s.OnProcessor(processor.New("hold", processor.Blocking, func(_ context.Context, ev *event.Event) (*event.Event, error) {
		started <- struct{}{}
		<-release
		return ev, nil
	}))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = processor.Process(context.Background(), blocking, newEvent())
	}()
	<-started
	go func() {
		defer wg.Done()
		_, _ = processor.Process(context.Background(), blocking, newEvent())
	}()

	io := s.io.Pool()
	deadline := time.Now().Add(2 * time.Second)
	for io.QueueLen() < 1 {
		require.True(t, time.Now().Before(deadline), "second job never queued")
		time.Sleep(time.Millisecond)
	}

	_, err := processor.Process(context.Background(), blocking, newEvent())
	var se *SchedulingError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, pipeline.ErrRejected)
	assert.Equal(t, event.KindCapacity, event.KindOf(err))

	close(release)
	wg.Wait()
}

func TestStoppedStrategyFailsWithLifecycleError(t *testing.T) {
	s := NewProactor("test", DefaultConfig())
	_, err := processor.Process(context.Background(), s.OnProcessor(step("io", processor.IORW)), newEvent())

	assert.ErrorIs(t, err, pipeline.ErrPoolStopped)
	assert.Equal(t, event.KindLifecycle, event.KindOf(err))
}

func TestStrategyRestart(t *testing.T) {
	s := NewProactor("test", DefaultConfig())
	io := s.OnProcessor(step("io", processor.IORW))

	require.NoError(t, s.Start())
	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	assert.Empty(t, s.Pools())

	require.NoError(t, s.Start())
	defer s.Stop()
	res, err := processor.Process(context.Background(), io, newEvent())
	require.NoError(t, err)
	assert.Equal(t, "io", res.Payload())
}

type fakeTx struct{}

func (fakeTx) ID() string { return "tx" }

func TestTransactionAwareRunsBoundEventsInline(t *testing.T) {
	s := NewProactor("test", DefaultConfig(), WithTransactionAwareness())
	require.NoError(t, s.Start())
	defer s.Stop()
	io := s.OnProcessor(step("io", processor.IORW))

	ctx := event.NewContext("test")
	ctx.BindTransaction(fakeTx{})
	res, err := processor.Process(context.Background(), io, event.New(ctx, ""))
	require.NoError(t, err)
	assert.Equal(t, "io", res.Payload())
	assert.Zero(t, submitted(s.Pools()))

	_, err = processor.Process(context.Background(), io, newEvent())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), submitted(s.Pools()))
}

func TestPlainProactorIgnoresTransactions(t *testing.T) {
	s := NewProactor("test", DefaultConfig())
	require.NoError(t, s.Start())
	defer s.Stop()

	ctx := event.NewContext("test")
	ctx.BindTransaction(fakeTx{})
	_, err := processor.Process(context.Background(), s.OnProcessor(step("io", processor.IORW)), event.New(ctx, ""))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), submitted(s.Pools()))
}

func TestBlockingDispatchesWholePipeline(t *testing.T) {
	s := NewBlocking("test", DefaultConfig())
	require.NoError(t, s.Start())
	defer s.Stop()

	p := step("a", processor.CPULight)
	assert.Same(t, p, s.OnProcessor(p))
	wrapped := s.OnPipeline(p)
	assert.Same(t, wrapped, s.OnPipeline(wrapped))

	res, err := processor.Process(context.Background(), wrapped, newEvent())
	require.NoError(t, err)
	assert.Equal(t, "a", res.Payload())
	assert.Equal(t, uint64(1), submitted(s.Pools()))
}

func TestProactorStreamEmitterDrivesPipeline(t *testing.T) {
	s := NewProactorStreamEmitter("test", DefaultConfig())
	require.NoError(t, s.Start())
	defer s.Stop()

	p := step("a", processor.CPULight)
	wrapped := s.OnPipeline(p)
	assert.NotSame(t, p, wrapped)
	assert.Same(t, wrapped, s.OnPipeline(wrapped))
	assert.Same(t, p, s.OnProcessor(p))

	res, err := processor.Process(context.Background(), wrapped, newEvent())
	require.NoError(t, err)
	assert.Equal(t, "a", res.Payload())
	assert.Equal(t, NameProactorStreamEmitter, s.String())
}

type failingStrategy struct {
	Strategy
	startErr error
	stopped  *[]string
	name     string
}

func (f failingStrategy) Start() error { return f.startErr }

func (f failingStrategy) Stop() error {
	*f.stopped = append(*f.stopped, f.name)
	return nil
}

func TestStartAllRollsBack(t *testing.T) {
	var stopped []string
	boom := errors.New("boom")
	err := StartAll(
		failingStrategy{name: "a", stopped: &stopped},
		failingStrategy{name: "b", stopped: &stopped},
		failingStrategy{name: "c", stopped: &stopped, startErr: boom},
	)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"b", "a"}, stopped)
}

func TestSchedulingErrorKinds(t *testing.T) {
	assert.Equal(t, event.KindCapacity, (&SchedulingError{Cause: pipeline.ErrRejected}).ErrorKind())
	assert.Equal(t, event.KindLifecycle, (&SchedulingError{Cause: pipeline.ErrPoolStopped}).ErrorKind())
}
