package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	"esb-runtime/internal/chain"
	"esb-runtime/internal/endpoint/sqlstore"
	"esb-runtime/internal/event"
	"esb-runtime/internal/processor"
	"esb-runtime/internal/runtime"
	"esb-runtime/internal/strategy"
	"esb-runtime/pkg/validator"
)

const (
	varSource     = "source"
	varOrderID    = "order_id"
	varReceivedAt = "received_at"
	varDiscard    = "discard"
	varStatus     = "status"
)

// ordersChain validates, normalizes and stores incoming orders. Storage
// failures do not fail the request: the stored step runs behind a continue
// boundary and the reply reports them.
func ordersChain(rt *runtime.Runtime, s strategy.Strategy, store *sqlstore.Store) *chain.Chain {
	val := &validator.BasicValidator{Required: []string{varSource}, IDVariable: varOrderID}

	persist := chain.NewBuilder().
		Name("orders/persist").
		Strategy(s).
		Chain(sqlstore.NewTxScope("persist-tx", store.DB(), store.Processor("store")))

	return chain.NewBuilder().
		Name("orders").
		Strategy(s).
		Chain(
			val.Processor("validate"),
			processor.New("filter", processor.CPULight, filterDiscarded, processor.WithLocation("orders/filter")),
			processor.New("enrich", processor.CPULight, enrich, processor.WithLocation("orders/enrich")),
			processor.New("normalize", processor.CPUIntensive, normalize, processor.WithLocation("orders/normalize")),
			processor.NewErrorBoundary("persist", persist.Build(rt), processor.OnErrorContinue),
			processor.New("reply", processor.CPULight, reply, processor.WithLocation("orders/reply")),
		).
		Build(rt)
}

func filterDiscarded(_ context.Context, ev *event.Event) (*event.Event, error) {
	if v, ok := ev.Variable(varDiscard); ok && v == "true" {
		return nil, nil
	}
	return ev, nil
}

func enrich(_ context.Context, ev *event.Event) (*event.Event, error) {
	return event.From(ev).
		Variable(varReceivedAt, time.Now().UTC().Format(time.RFC3339Nano)).
		Build(), nil
}

// normalize decodes JSON payloads and lower-cases their top-level keys.
func normalize(_ context.Context, ev *event.Event) (*event.Event, error) {
	var raw []byte
	switch p := ev.Payload().(type) {
	case []byte:
		raw = p
	case string:
		raw = []byte(p)
	case map[string]any:
		return event.From(ev).Payload(lowerKeys(p)).Build(), nil
	default:
		return ev, nil
	}
	var doc map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return event.From(ev).Payload(lowerKeys(doc)).Build(), nil
}

func lowerKeys(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[strings.ToLower(k)] = v
	}
	return out
}

func reply(_ context.Context, ev *event.Event) (*event.Event, error) {
	status := "stored"
	if ev.Error() != nil {
		status = "accepted"
	}
	return event.From(ev).Variable(varStatus, status).Error(nil).Build(), nil
}
