package billing

import (
	"context"
	"sort"
)

// PendingEventSource lists events awaiting invoicing.
type PendingEventSource interface {
	ListPendingEvents(ctx context.Context) ([]BillingEvent, error)
}

// EventGrouper partitions unbilled events per customer.
type EventGrouper struct {
	source PendingEventSource
}

// NewEventGrouper constructs the grouper.
func NewEventGrouper(source PendingEventSource) *EventGrouper {
	return &EventGrouper{source: source}
}

// Collect returns one batch per customer with pending events, ascending by
// customer id. Events keep their load order. Already billed rows are dropped
// even if the source returns them.
func (g *EventGrouper) Collect(ctx context.Context) ([]CustomerBatch, error) {
	events, err := g.source.ListPendingEvents(ctx)
	if err != nil {
		return nil, err
	}
	return GroupEvents(events), nil
}

// GroupEvents partitions events by their raw customer reference.
func GroupEvents(events []BillingEvent) []CustomerBatch {
	index := make(map[int64]int)
	var batches []CustomerBatch
	for _, ev := range events {
		if ev.Billed() {
			continue
		}
		pos, ok := index[ev.CustomerID]
		if !ok {
			pos = len(batches)
			index[ev.CustomerID] = pos
			batches = append(batches, CustomerBatch{CustomerID: ev.CustomerID})
		}
		batches[pos].Events = append(batches[pos].Events, ev)
	}
	sort.SliceStable(batches, func(i, j int) bool {
		return batches[i].CustomerID < batches[j].CustomerID
	})
	return batches
}
