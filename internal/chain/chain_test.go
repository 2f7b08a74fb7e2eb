package chain_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"esb-runtime/internal/alert"
	"esb-runtime/internal/chain"
	"esb-runtime/internal/event"
	"esb-runtime/internal/notification"
	"esb-runtime/internal/pipeline"
	"esb-runtime/internal/processor"
	"esb-runtime/internal/runtime"
	"esb-runtime/internal/strategy"
	"esb-runtime/internal/stream"
)

type recorder struct {
	mu  sync.Mutex
	got []notification.Notification
}

func (r *recorder) OnNotification(n notification.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
}

func (r *recorder) all() []notification.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notification.Notification(nil), r.got...)
}

func (r *recorder) trail() []string {
	var out []string
	for _, n := range r.all() {
		out = append(out, fmt.Sprintf("%s %s", n.Action, n.Processor))
	}
	return out
}

// unpaired counts invocations that were announced and never finished.
func (r *recorder) unpaired() int {
	type key struct {
		ctx  *event.Context
		name string
	}
	open := make(map[key]int)
	for _, n := range r.all() {
		k := key{n.Context, n.Processor}
		if n.Action == notification.PreInvoke {
			open[k]++
		} else if open[k] > 0 {
			open[k]--
		}
	}
	var total int
	for _, v := range open {
		total += v
	}
	return total
}

func (r *recorder) failures() []notification.Notification {
	var out []notification.Notification
	for _, n := range r.all() {
		if n.Err != nil {
			out = append(out, n)
		}
	}
	return out
}

func appending(name string, typ processor.ProcessingType) *processor.FuncProcessor {
	return processor.New(name, typ, func(_ context.Context, ev *event.Event) (*event.Event, error) {
		return event.From(ev).Payload(ev.Payload().(string) + name).Build(), nil
	})
}

func failing(name string, err error) *processor.FuncProcessor {
	return processor.New(name, processor.CPULight, func(context.Context, *event.Event) (*event.Event, error) {
		return nil, err
	})
}

// marking records that it ran and passes the event on.
func marking(name string, ran *atomic.Bool) *processor.FuncProcessor {
	return processor.New(name, processor.CPULight, func(_ context.Context, ev *event.Event) (*event.Event, error) {
		ran.Store(true)
		return ev, nil
	})
}

func dropping(name string) *processor.FuncProcessor {
	return processor.New(name, processor.CPULight, func(context.Context, *event.Event) (*event.Event, error) {
		return nil, nil
	})
}

func newEvent() *event.Event {
	return event.New(event.NewContext("test"), "")
}

func started(t *testing.T, rt *runtime.Runtime, name string) strategy.Strategy {
	t.Helper()
	s, err := rt.Strategy(name)
	require.NoError(t, err)
	require.NoError(t, rt.Start())
	t.Cleanup(func() { _ = rt.Dispose() })
	return s
}

func TestStepsRunInOrderUnderEveryStrategy(t *testing.T) {
	for _, name := range []string{
		strategy.NameDirect,
		strategy.NameProactor,
		strategy.NameBlocking,
		strategy.NameProactorStreamEmitter,
		strategy.NameTransactionalProactor,
	} {
		t.Run(name, func(t *testing.T) {
			rt := runtime.New("test")
			s := started(t, rt, name)
			rec := &recorder{}
			rt.Notifications().AddListener(rec)

			c := chain.NewBuilder().
				Name("orders").
				Strategy(s).
				Chain(
					appending("a", processor.CPULight),
					appending("b", processor.IORW),
					appending("c", processor.CPUIntensive),
				).
				Build(rt)
			require.NoError(t, c.Run())
			defer c.Close()

			ev := newEvent()
			res, err := processor.Process(context.Background(), c, ev)
			require.NoError(t, err)
			assert.Equal(t, "abc", res.Payload())
			assert.Same(t, ev.Context(), res.Context())
			assert.Equal(t, []string{
				"PRE_INVOKE a", "POST_INVOKE a",
				"PRE_INVOKE b", "POST_INVOKE b",
				"PRE_INVOKE c", "POST_INVOKE c",
			}, rec.trail())
		})
	}
}

func TestNullResultStopsTheChain(t *testing.T) {
	rt := runtime.New("test")
	rec := &recorder{}
	rt.Notifications().AddListener(rec)

	var reached atomic.Bool
	c := chain.NewBuilder().Chain(dropping("drop"), marking("after", &reached)).Build(rt)

	ev := newEvent()
	res, err := processor.Process(context.Background(), c, ev)
	assert.NoError(t, err)
	assert.Nil(t, res)
	assert.False(t, reached.Load())
	assert.Equal(t, []string{"PRE_INVOKE drop", "POST_INVOKE drop"}, rec.trail())

	post := rec.all()[1]
	assert.Nil(t, post.Event)
	assert.NoError(t, post.Err)
	require.NotNil(t, post.Context)
	assert.Same(t, ev.Context(), post.Context.Parent())

	for i := 0; i < 100; i++ {
		_, err := processor.Process(context.Background(), c, newEvent())
		require.NoError(t, err)
	}
	assert.Zero(t, rec.unpaired())
}

func TestVoidStepPassesEventThrough(t *testing.T) {
	void := processor.New("void", processor.CPULight, func(_ context.Context, ev *event.Event) (*event.Event, error) {
		return ev, nil
	})
	c := chain.NewBuilder().Chain(appending("a", processor.CPULight), void, appending("b", processor.CPULight)).Build(nil)

	res, err := processor.Process(context.Background(), c, newEvent())
	require.NoError(t, err)
	assert.Equal(t, "ab", res.Payload())
}

func TestFailureCompletesContextWithMessagingError(t *testing.T) {
	rt := runtime.New("test")
	rec := &recorder{}
	rt.Notifications().AddListener(rec)

	boom := errors.New("boom")
	var reached bool
	c := chain.NewBuilder().Name("orders").Chain(
		appending("a", processor.CPULight),
		processor.New("fail", processor.CPULight, func(context.Context, *event.Event) (*event.Event, error) {
			return nil, boom
		}, processor.WithLocation("orders/1")),
		processor.New("after", processor.CPULight, func(_ context.Context, ev *event.Event) (*event.Event, error) {
			reached = true
			return ev, nil
		}),
	).Build(rt)

	res, err := processor.Process(context.Background(), c, newEvent())
	assert.Nil(t, res)
	assert.False(t, reached)
	assert.ErrorIs(t, err, boom)

	var me *processor.MessagingError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "fail", me.Processor)
	assert.Equal(t, "orders/1", me.Location)
	assert.Equal(t, "a", me.Event.Payload())

	got := rec.all()
	require.Len(t, got, 4)
	post := got[3]
	assert.Equal(t, notification.PostInvoke, post.Action)
	assert.Equal(t, "fail", post.Processor)
	assert.Equal(t, "orders/1", post.Location)
	assert.ErrorIs(t, post.Err, boom)
	require.NotNil(t, post.Event.Error())
	assert.ErrorIs(t, post.Event.Error(), boom)
}

func TestFailureSkipsLaterSteps(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name  string
		steps []string
		ran   []string
	}{
		{name: "single", steps: []string{"fail"}},
		{name: "first", steps: []string{"fail", "b", "c"}},
		{name: "last", steps: []string{"a", "b", "fail"}, ran: []string{"a", "b"}},
		{name: "between", steps: []string{"a", "fail", "c"}, ran: []string{"a"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := runtime.New("test")
			rec := &recorder{}
			rt.Notifications().AddListener(rec)

			var mu sync.Mutex
			var ran []string
			ps := make([]processor.Processor, 0, len(tt.steps))
			for _, name := range tt.steps {
				if name == "fail" {
					ps = append(ps, failing(name, boom))
					continue
				}
				ps = append(ps, processor.New(name, processor.CPULight, func(_ context.Context, ev *event.Event) (*event.Event, error) {
					mu.Lock()
					ran = append(ran, name)
					mu.Unlock()
					return ev, nil
				}))
			}
			c := chain.NewBuilder().Chain(ps...).Build(rt)

			_, err := processor.Process(context.Background(), c, newEvent())
			assert.ErrorIs(t, err, boom)
			assert.Equal(t, tt.ran, ran)

			failures := rec.failures()
			require.Len(t, failures, 1)
			assert.Equal(t, notification.PostInvoke, failures[0].Action)
			assert.Equal(t, "fail", failures[0].Processor)
			assert.ErrorIs(t, failures[0].Err, boom)
			assert.Zero(t, rec.unpaired())
		})
	}
}

func TestFailureCompletesCallerContextWhenAppliedDirectly(t *testing.T) {
	boom := errors.New("boom")
	c := chain.NewBuilder().Chain(processor.New("fail", processor.CPULight, func(context.Context, *event.Event) (*event.Event, error) {
		return nil, boom
	})).Build(nil)

	ev := newEvent()
	items, err := stream.Collect(c.Apply(stream.Just(context.Background(), nil, ev)))
	require.NoError(t, err)
	assert.Empty(t, items, "failed events leave the chain")

	select {
	case <-ev.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not completed")
	}
	_, cerr := ev.Context().Result()
	assert.ErrorIs(t, cerr, boom)
}

func TestSchedulingFailureAroundStepsFailsTheEvent(t *testing.T) {
	rt := runtime.New("test")
	rec := &recorder{}
	rt.Notifications().AddListener(rec)

	// never started, so its pool refuses every event
	s := strategy.NewBlocking("orders", strategy.DefaultConfig())
	c := chain.NewBuilder().Name("orders").Strategy(s).Chain(appending("a", processor.CPULight)).Build(rt)

	_, err := processor.Process(context.Background(), c, newEvent())
	var se *strategy.SchedulingError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, pipeline.ErrPoolStopped)
	assert.Equal(t, event.KindLifecycle, event.KindOf(err))

	assert.Equal(t, []string{"POST_INVOKE orders"}, rec.trail(), "no step was invoked")
	require.Len(t, rec.failures(), 1)
	assert.ErrorAs(t, rec.failures()[0].Err, &se)

	ev := newEvent()
	items, err := stream.Collect(c.Apply(stream.Just(context.Background(), nil, ev)))
	require.NoError(t, err)
	assert.Empty(t, items, "failed events leave the chain")
	select {
	case <-ev.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not completed")
	}
	_, cerr := ev.Context().Result()
	assert.ErrorAs(t, cerr, &se)
}

func TestPanicBecomesFatalError(t *testing.T) {
	rt := runtime.New("test")
	rec := &recorder{}
	rt.Notifications().AddListener(rec)

	c := chain.NewBuilder().Chain(processor.New("panics", processor.CPULight, func(context.Context, *event.Event) (*event.Event, error) {
		panic(errors.New("kaboom"))
	})).Build(rt)

	_, err := processor.Process(context.Background(), c, newEvent())

	var fe *processor.FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, processor.FatalPanic, fe.Class)
	assert.EqualError(t, fe.Cause, "kaboom")
	assert.Equal(t, event.KindFatal, event.KindOf(err))
	assert.Equal(t, []string{"PRE_INVOKE panics", "POST_INVOKE panics"}, rec.trail())
}

// dying consumes one event and then fails its stream.
type dying struct{ err error }

func (d dying) Apply(in *stream.Stream) *stream.Stream {
	return stream.Derive(in, func(_ context.Context, em *stream.Emitter) {
		<-in.Items()
		em.Fail(d.err)
	})
}

func (dying) Name() string { return "dying" }

func TestDyingStreamFailsEventsInside(t *testing.T) {
	died := errors.New("terminated")
	c := chain.NewBuilder().Chain(appending("a", processor.CPULight), dying{err: died}).Build(nil)

	_, err := processor.Process(context.Background(), c, newEvent())

	var fe *processor.FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, processor.FatalStreamTerminated, fe.Class)
	assert.ErrorIs(t, err, died)

	var me *processor.MessagingError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "dying", me.Processor)
}

// discarding drops every event without completing it.
type discarding struct{}

func (discarding) Apply(in *stream.Stream) *stream.Stream {
	return stream.Filter(in, func(stream.Item) bool { return false })
}

// late forwards every event and then emits once more after completing its
// stream, either the last event again or an error.
type late struct{ fail bool }

func (l late) Apply(in *stream.Stream) *stream.Stream {
	return stream.Derive(in, func(ctx context.Context, em *stream.Emitter) {
		var last stream.Item
		stream.Each(ctx, em, in, func(it stream.Item) {
			last = it
			em.Next(it)
		})
		em.Complete()
		if l.fail {
			em.Fail(errors.New("too late"))
			return
		}
		em.Next(last)
	})
}

func TestStreamAnomaliesRaiseOnlyTheirAlert(t *testing.T) {
	tests := []struct {
		name  string
		p     processor.Processor
		alert string
	}{
		{name: "discard", p: discarding{}, alert: alert.DiscardedEvent},
		{name: "drop event", p: late{}, alert: alert.DroppedEvent},
		{name: "drop error", p: late{fail: true}, alert: alert.DroppedError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := runtime.New("test")
			rec := &recorder{}
			rt.Notifications().AddListener(rec)

			c := chain.NewBuilder().Chain(processor.MarkInternal(tt.p)).Build(rt)
			_, err := processor.Process(context.Background(), c, newEvent())
			assert.NoError(t, err)

			alerts := rt.Alerts()
			assert.Eventually(t, func() bool { return alerts.Count(tt.alert) == 1 }, 2*time.Second, 5*time.Millisecond)
			for _, other := range []string{alert.DiscardedEvent, alert.DroppedEvent, alert.DroppedError} {
				if other != tt.alert {
					assert.Zero(t, alerts.Count(other), other)
				}
			}
			assert.Empty(t, rec.all())
		})
	}
}

func TestInternalStepsAreNotNotified(t *testing.T) {
	rt := runtime.New("test")
	rec := &recorder{}
	rt.Notifications().AddListener(rec)

	c := chain.NewBuilder().Chain(
		processor.MarkInternal(appending("plumbing", processor.CPULight)),
		appending("a", processor.CPULight),
	).Build(rt)

	res, err := processor.Process(context.Background(), c, newEvent())
	require.NoError(t, err)
	assert.Equal(t, "plumbinga", res.Payload())
	assert.Equal(t, []string{"PRE_INVOKE a", "POST_INVOKE a"}, rec.trail())
}

func TestSuppressNotifications(t *testing.T) {
	rt := runtime.New("test")
	rec := &recorder{}
	rt.Notifications().AddListener(rec)

	boom := errors.New("boom")
	c := chain.NewBuilder().SuppressNotifications(true).Chain(processor.New("fail", processor.CPULight, func(context.Context, *event.Event) (*event.Event, error) {
		return nil, boom
	})).Build(rt)

	_, err := processor.Process(context.Background(), c, newEvent())
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, rec.all())
}

func TestEventsWithNotificationsDisabled(t *testing.T) {
	rt := runtime.New("test")
	rec := &recorder{}
	rt.Notifications().AddListener(rec)

	c := chain.NewBuilder().Chain(appending("a", processor.CPULight)).Build(rt)
	ev := event.NewBuilder(event.NewContext("test")).Payload("").DisableNotifications().Build()

	_, err := processor.Process(context.Background(), c, ev)
	require.NoError(t, err)
	assert.Empty(t, rec.all())
}

func TestNestedChainsRunOnTheSameRuntime(t *testing.T) {
	rt := runtime.New("test")
	rec := &recorder{}
	rt.Notifications().AddListener(rec)

	inner := chain.NewBuilder().Name("inner").Chain(appending("b", processor.CPULight))
	c := chain.NewBuilder().Name("outer").
		Chain(appending("a", processor.CPULight)).
		ChainBuilders(inner).
		Chain(appending("c", processor.CPULight)).
		Build(rt)

	require.Len(t, c.Processors(), 3)
	ev := newEvent()
	res, err := processor.Process(context.Background(), c, ev)
	require.NoError(t, err)
	assert.Equal(t, "abc", res.Payload())
	assert.Same(t, ev.Context(), res.Context())
	assert.Equal(t, []string{
		"PRE_INVOKE a", "POST_INVOKE a",
		"PRE_INVOKE b", "POST_INVOKE b",
		"PRE_INVOKE c", "POST_INVOKE c",
	}, rec.trail())
}

func TestNestedChainFailureFailsTheParent(t *testing.T) {
	rt := runtime.New("test")
	rec := &recorder{}
	rt.Notifications().AddListener(rec)

	boom := errors.New("boom")
	var reached atomic.Bool
	inner := chain.NewBuilder().Name("inner").Chain(failing("fail", boom))
	c := chain.NewBuilder().Name("outer").
		Chain(appending("a", processor.CPULight)).
		ChainBuilders(inner).
		Chain(marking("after", &reached)).
		Build(rt)

	ev := newEvent()
	_, err := processor.Process(context.Background(), c, ev)
	assert.ErrorIs(t, err, boom)
	assert.False(t, reached.Load())

	var me *processor.MessagingError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, "fail", me.Processor)

	assert.Equal(t, []string{"PRE_INVOKE a", "POST_INVOKE a", "PRE_INVOKE fail", "POST_INVOKE fail"}, rec.trail())
	assert.Len(t, rec.failures(), 1)
	assert.Zero(t, rec.unpaired())
}

func TestQuietNestedChainIsNotifiedAsOneStep(t *testing.T) {
	rt := runtime.New("test")
	rec := &recorder{}
	rt.Notifications().AddListener(rec)

	var reached atomic.Bool
	inner := chain.NewBuilder().Name("inner").SuppressNotifications(true).Chain(appending("b", processor.CPULight), dropping("drop"))
	c := chain.NewBuilder().Name("outer").
		Chain(appending("a", processor.CPULight)).
		ChainBuilders(inner).
		Chain(marking("after", &reached)).
		Build(rt)

	res, err := processor.Process(context.Background(), c, newEvent())
	assert.NoError(t, err)
	assert.Nil(t, res)
	assert.False(t, reached.Load())
	assert.Equal(t, []string{"PRE_INVOKE a", "POST_INVOKE a", "PRE_INVOKE inner", "POST_INVOKE inner"}, rec.trail())
	assert.Nil(t, rec.all()[3].Event)
}

func TestContinueBoundaryLetsLaterStepsRun(t *testing.T) {
	rt := runtime.New("test")
	rec := &recorder{}
	rt.Notifications().AddListener(rec)

	boom := errors.New("boom")
	inner := chain.NewBuilder().Name("inner").Chain(failing("fail", boom)).Build(rt)
	c := chain.NewBuilder().Chain(
		appending("a", processor.CPULight),
		processor.NewErrorBoundary("guard", inner, processor.OnErrorContinue),
		appending("c", processor.CPULight),
	).Build(rt)

	res, err := processor.Process(context.Background(), c, newEvent())
	require.NoError(t, err)
	assert.Equal(t, "ac", res.Payload())
	require.NotNil(t, res.Error())
	assert.ErrorIs(t, res.Error(), boom)

	assert.Equal(t, []string{
		"PRE_INVOKE a", "POST_INVOKE a",
		"PRE_INVOKE guard", "PRE_INVOKE fail", "POST_INVOKE fail", "POST_INVOKE guard",
		"PRE_INVOKE c", "POST_INVOKE c",
	}, rec.trail())
	failures := rec.failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "fail", failures[0].Processor)
}

func TestStopBoundaryStillNotifiesOuterStep(t *testing.T) {
	rt := runtime.New("test")
	rec := &recorder{}
	rt.Notifications().AddListener(rec)

	boom := errors.New("boom")
	var reached atomic.Bool
	inner := chain.NewBuilder().Name("inner").Chain(failing("fail", boom)).Build(rt)
	c := chain.NewBuilder().Chain(
		appending("a", processor.CPULight),
		processor.NewErrorBoundary("guard", inner, processor.OnErrorStop),
		marking("after", &reached),
	).Build(rt)

	_, err := processor.Process(context.Background(), c, newEvent())
	assert.ErrorIs(t, err, boom)
	assert.False(t, reached.Load())

	assert.Equal(t, []string{
		"PRE_INVOKE a", "POST_INVOKE a",
		"PRE_INVOKE guard", "PRE_INVOKE fail", "POST_INVOKE fail", "POST_INVOKE guard",
	}, rec.trail())
	var names []string
	for _, n := range rec.failures() {
		names = append(names, n.Processor)
	}
	assert.Equal(t, []string{"fail", "guard"}, names)
	assert.Zero(t, rec.unpaired())
}

func TestStopBoundaryInsideContinueBoundary(t *testing.T) {
	rt := runtime.New("test")
	rec := &recorder{}
	rt.Notifications().AddListener(rec)

	boom := errors.New("boom")
	var reached atomic.Bool
	innermost := chain.NewBuilder().Name("innermost").Chain(failing("fail", boom)).Build(rt)
	middle := chain.NewBuilder().Name("middle").Chain(
		processor.NewErrorBoundary("stop", innermost, processor.OnErrorStop),
		marking("b", &reached),
	).Build(rt)
	c := chain.NewBuilder().Chain(
		appending("a", processor.CPULight),
		processor.NewErrorBoundary("continue", middle, processor.OnErrorContinue),
		appending("c", processor.CPULight),
	).Build(rt)

	res, err := processor.Process(context.Background(), c, newEvent())
	require.NoError(t, err)
	assert.Equal(t, "ac", res.Payload())
	assert.ErrorIs(t, res.Error(), boom)
	assert.False(t, reached.Load())

	assert.Equal(t, []string{
		"PRE_INVOKE a", "POST_INVOKE a",
		"PRE_INVOKE continue",
		"PRE_INVOKE stop", "PRE_INVOKE fail", "POST_INVOKE fail", "POST_INVOKE stop",
		"POST_INVOKE continue",
		"PRE_INVOKE c", "POST_INVOKE c",
	}, rec.trail())
	var names []string
	for _, n := range rec.failures() {
		names = append(names, n.Processor)
	}
	assert.Equal(t, []string{"fail", "stop"}, names)
	assert.Zero(t, rec.unpaired())
}

func TestBuilderKeepsDeclaration(t *testing.T) {
	s := strategy.Direct()
	p := appending("a", processor.CPULight)
	c := chain.NewBuilder().Strategy(s).Chain(p).Build(nil)

	assert.Same(t, s, c.Strategy())
	assert.Equal(t, []processor.Processor{p}, c.Processors())
	assert.Equal(t, processor.CPULight, c.ProcessingType())
}

func TestProactorKeepsConcurrentEventsApart(t *testing.T) {
	rt := runtime.New("test")
	s := started(t, rt, strategy.NameProactor)

	var arrived sync.WaitGroup
	arrived.Add(2)
	both := make(chan struct{})
	go func() {
		arrived.Wait()
		close(both)
	}()

	tag := processor.New("tag", processor.CPULight, func(_ context.Context, ev *event.Event) (*event.Event, error) {
		id, _ := ev.Variable("id")
		return event.From(ev).Variable("seen", id).Build(), nil
	})
	// both events are inside io at the same time
	io := processor.New("io", processor.IORW, func(ctx context.Context, ev *event.Event) (*event.Event, error) {
		arrived.Done()
		select {
		case <-both:
			return event.From(ev).Payload(ev.Payload().(string) + "io").Build(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	c := chain.NewBuilder().Strategy(s).Chain(appending("a", processor.CPULight), tag, io, appending("c", processor.CPUIntensive)).Build(rt)
	require.NoError(t, c.Run())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type outcome struct {
		id  string
		in  *event.Event
		res *event.Event
		err error
	}
	results := make(chan outcome, 2)
	for _, id := range []string{"first", "second"} {
		ev := event.NewBuilder(event.NewContext("test")).Payload(id + ":").Variable("id", id).Build()
		go func() {
			res, err := processor.Process(ctx, c, ev)
			results <- outcome{id: id, in: ev, res: res, err: err}
		}()
	}
	for i := 0; i < 2; i++ {
		o := <-results
		require.NoError(t, o.err, o.id)
		assert.Equal(t, o.id+":aioc", o.res.Payload())
		assert.Same(t, o.in.Context(), o.res.Context())
		id, _ := o.res.Variable("id")
		seen, _ := o.res.Variable("seen")
		assert.Equal(t, o.id, id)
		assert.Equal(t, o.id, seen)
	}
}

func TestStoppedChainRejectsEvents(t *testing.T) {
	c := chain.NewBuilder().Name("orders").Chain(appending("a", processor.CPULight)).Build(nil)
	require.NoError(t, c.Run())
	require.NoError(t, c.Stop())
	assert.False(t, c.Accepting())

	_, err := processor.Process(context.Background(), c, newEvent())
	assert.ErrorIs(t, err, processor.ErrStopped)
	assert.Equal(t, event.KindLifecycle, event.KindOf(err))

	require.NoError(t, c.Start())
	res, err := processor.Process(context.Background(), c, newEvent())
	require.NoError(t, err)
	assert.Equal(t, "a", res.Payload())
}

func TestRuntimeStopClosesChain(t *testing.T) {
	rt := runtime.New("test")
	c := chain.NewBuilder().Chain(appending("a", processor.CPULight)).Build(rt)
	require.NoError(t, c.Run())
	require.NoError(t, rt.Start())
	assert.True(t, c.Accepting())
	assert.Equal(t, 1, rt.ListenerCount())

	require.NoError(t, rt.Stop())
	assert.False(t, c.Accepting())

	c.Dispose()
	assert.Zero(t, rt.ListenerCount())
}

// component records its lifecycle calls in a shared log.
type component struct {
	name     string
	log      *[]string
	startErr error
}

func (c *component) Apply(in *stream.Stream) *stream.Stream { return in }

func (c *component) Start() error {
	if c.startErr != nil {
		return c.startErr
	}
	*c.log = append(*c.log, "start "+c.name)
	return nil
}

func (c *component) Stop() error {
	*c.log = append(*c.log, "stop "+c.name)
	return nil
}

func TestStartFailureRollsBack(t *testing.T) {
	var log []string
	boom := errors.New("cannot start")
	c := chain.NewBuilder().Chain(
		&component{name: "a", log: &log},
		&component{name: "b", log: &log},
		&component{name: "c", log: &log, startErr: boom},
	).Build(nil)

	err := c.Run()
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"start a", "start b", "stop b", "stop a"}, log)

	log = nil
	require.NoError(t, c.Close())
	assert.Empty(t, log, "a chain that never started has nothing to stop")
}
