// Package flow owns requests from the moment they enter the runtime: it
// creates their event context, runs the root chain and completes the context
// with the outcome. Flows are fed synchronously or from watermill
// subscriptions.
package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"esb-runtime/internal/chain"
	"esb-runtime/internal/event"
	"esb-runtime/internal/monitoring"
	"esb-runtime/internal/processor"
	"esb-runtime/pkg/logger"
)

// VarMessageUUID holds the uuid of the watermill message an event came from.
const VarMessageUUID = "message_uuid"

var ErrUnknownFlow = errors.New("flow: unknown flow")

type Flow struct {
	name    string
	chain   *chain.Chain
	tracker *monitoring.Tracker
	timeout time.Duration
	log     *zap.SugaredLogger
}

type Option func(*Flow)

// WithTracker records every request of the flow in t.
func WithTracker(t *monitoring.Tracker) Option {
	return func(f *Flow) {
		f.tracker = t
	}
}

// WithTimeout bounds how long a single request may take.
func WithTimeout(d time.Duration) Option {
	return func(f *Flow) {
		f.timeout = d
	}
}

func New(name string, c *chain.Chain, opts ...Option) *Flow {
	f := &Flow{
		name:  name,
		chain: c,
		log:   logger.Get().With("flow", name),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Flow) Name() string        { return f.name }
func (f *Flow) Chain() *chain.Chain { return f.chain }

// Start initialises and starts the root chain.
func (f *Flow) Start() error {
	if err := f.chain.Run(); err != nil {
		return fmt.Errorf("flow %s: start: %w", f.name, err)
	}
	f.log.Infow("flow started", "processors", len(f.chain.Processors()))
	return nil
}

// Stop stops and disposes the root chain.
func (f *Flow) Stop() error {
	err := f.chain.Close()
	f.log.Infow("flow stopped")
	return err
}

// NewEvent creates the event of a new request entering the flow.
func (f *Flow) NewEvent(payload any, vars map[string]any) *event.Event {
	return event.NewBuilder(event.NewContext(f.name)).
		Payload(payload).
		Variables(vars).
		Build()
}

// Process runs ev through the root chain and completes ev's context with the
// outcome. A nil event with a nil error means the chain ended the request
// without a result.
func (f *Flow) Process(ctx context.Context, ev *event.Event) (*event.Event, error) {
	ec := ev.Context()
	if ec == nil {
		ec = event.NewContext(f.name)
		ev = ev.WithContext(ec)
	}
	if f.tracker != nil {
		f.tracker.Track(ec)
	}
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := processor.Process(ctx, f.chain, ev)
	if err != nil {
		_ = ec.Error(err)
		f.log.Warnw("request failed",
			"event_id", ev.ID(),
			"context_id", ec.ID(),
			"kind", event.KindOf(err).String(),
			"error", err,
		)
		return nil, err
	}
	_ = ec.Success(res)
	f.log.Debugw("request completed",
		"event_id", ev.ID(),
		"context_id", ec.ID(),
		"empty", res == nil,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

// Handler adapts the flow to watermill. The message payload becomes the
// event payload and its metadata the event variables; a result is returned
// as one message. Failures nack the incoming message.
func (f *Flow) Handler() message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		vars := make(map[string]any, len(msg.Metadata)+1)
		for k, v := range msg.Metadata {
			vars[k] = v
		}
		vars[VarMessageUUID] = msg.UUID

		res, err := f.Process(msg.Context(), f.NewEvent([]byte(msg.Payload), vars))
		if err != nil {
			return nil, err
		}
		if res == nil {
			return nil, nil
		}
		out, err := ToMessage(res)
		if err != nil {
			return nil, err
		}
		return []*message.Message{out}, nil
	}
}

// Register adds the flow to router as a handler consuming inTopic from sub.
// Results are published to outTopic on pub; with a nil pub they are
// dropped.
func (f *Flow) Register(router *message.Router, sub message.Subscriber, inTopic string, pub message.Publisher, outTopic string) *message.Handler {
	if pub == nil {
		h := f.Handler()
		return router.AddConsumerHandler(f.name, inTopic, sub, func(msg *message.Message) error {
			_, err := h(msg)
			return err
		})
	}
	return router.AddHandler(f.name, inTopic, sub, outTopic, pub, f.Handler())
}

// ToMessage encodes ev as a watermill message. Byte and string payloads are
// sent as is, anything else as JSON. String variables become metadata.
func ToMessage(ev *event.Event) (*message.Message, error) {
	var payload []byte
	switch p := ev.Payload().(type) {
	case nil:
	case []byte:
		payload = p
	case string:
		payload = []byte(p)
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("flow: encode payload of event %s: %w", ev.ID(), err)
		}
		payload = b
	}
	msg := message.NewMessage(ev.ID(), payload)
	for k, v := range ev.Variables() {
		if s, ok := v.(string); ok && k != VarMessageUUID {
			msg.Metadata.Set(k, s)
		}
	}
	return msg, nil
}

// Registry finds flows by name.
type Registry struct {
	mu    sync.RWMutex
	flows map[string]*Flow
}

func NewRegistry() *Registry {
	return &Registry{flows: make(map[string]*Flow)}
}

func (r *Registry) Add(f *Flow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flows[f.Name()] = f
}

func (r *Registry) Get(name string) (*Flow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.flows[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFlow, name)
	}
	return f, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.flows))
	for n := range r.flows {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// StartAll starts every flow.
func (r *Registry) StartAll() error {
	for _, n := range r.Names() {
		f, _ := r.Get(n)
		if err := f.Start(); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops every flow, combining failures.
func (r *Registry) StopAll() error {
	var err error
	for _, n := range r.Names() {
		f, _ := r.Get(n)
		err = multierr.Append(err, f.Stop())
	}
	return err
}
