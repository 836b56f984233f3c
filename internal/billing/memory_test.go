package billing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// memoryStore is an in-memory store with copy-on-begin transactions.
type memoryStore struct {
	mu sync.Mutex

	events    map[int64]*BillingEvent
	customers map[int64]Customer
	divisions map[int64]Division
	schemes   map[int64]string
	taxRates  []TaxRate
	counters  map[int64]int64

	invoices []Invoice
	lines    []InvoiceLine
	ledger   []LedgerEntry

	nextInvoiceID int64
	nextLineID    int64

	listErr   error
	beginErr  error
	insertErr error
	// failLineOnCustomer injects an error on the second line of a customer batch.
	failLineOnCustomer int64
	// billBehindOurBack marks an event billed by a concurrent run before the update.
	billBehindOurBack int64
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		events:    make(map[int64]*BillingEvent),
		customers: make(map[int64]Customer),
		divisions: make(map[int64]Division),
		schemes:   make(map[int64]string),
		counters:  make(map[int64]int64),
	}
}

func (m *memoryStore) addEvent(id, customerID int64, gross, rate, desc string) {
	m.events[id] = &BillingEvent{
		ID:          id,
		CustomerID:  customerID,
		Gross:       decimal.RequireFromString(gross),
		TaxRate:     decimal.RequireFromString(rate),
		Description: desc,
	}
}

func (m *memoryStore) ListPendingEvents(ctx context.Context) ([]BillingEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []BillingEvent
	for _, ev := range m.events {
		if ev.InvoiceID == 0 {
			out = append(out, *ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CustomerID != out[j].CustomerID {
			return out[i].CustomerID < out[j].CustomerID
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

type memorySnapshot struct {
	events        map[int64]BillingEvent
	counters      map[int64]int64
	invoices      int
	lines         int
	ledger        int
	nextInvoiceID int64
	nextLineID    int64
}

func (m *memoryStore) snapshot() memorySnapshot {
	snap := memorySnapshot{
		events:        make(map[int64]BillingEvent, len(m.events)),
		counters:      make(map[int64]int64, len(m.counters)),
		invoices:      len(m.invoices),
		lines:         len(m.lines),
		ledger:        len(m.ledger),
		nextInvoiceID: m.nextInvoiceID,
		nextLineID:    m.nextLineID,
	}
	for id, ev := range m.events {
		snap.events[id] = *ev
	}
	for k, v := range m.counters {
		snap.counters[k] = v
	}
	return snap
}

func (m *memoryStore) restore(snap memorySnapshot) {
	for id, ev := range snap.events {
		ev := ev
		m.events[id] = &ev
	}
	m.counters = snap.counters
	m.invoices = m.invoices[:snap.invoices]
	m.lines = m.lines[:snap.lines]
	m.ledger = m.ledger[:snap.ledger]
	m.nextInvoiceID = snap.nextInvoiceID
	m.nextLineID = snap.nextLineID
}

// WithTx holds the store lock for the whole transaction, mirroring the
// numbering counter row lock that serialises concurrent runs.
func (m *memoryStore) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.beginErr != nil {
		return m.beginErr
	}
	snap := m.snapshot()
	if err := fn(ctx, &memoryTx{store: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memoryTx struct {
	store *memoryStore
}

func (t *memoryTx) GetCustomerProfile(ctx context.Context, customerID int64) (CustomerProfile, error) {
	c, ok := t.store.customers[customerID]
	if !ok {
		return CustomerProfile{}, fmt.Errorf("%w: id %d", ErrCustomerNotFound, customerID)
	}
	return CustomerProfile{Customer: c, Division: t.store.divisions[c.DivisionID]}, nil
}

func (t *memoryTx) NextSequence(ctx context.Context, schemeID int64) (int64, error) {
	t.store.counters[schemeID]++
	return t.store.counters[schemeID], nil
}

func (t *memoryTx) GetSchemeTemplate(ctx context.Context, schemeID int64) (string, error) {
	tmpl, ok := t.store.schemes[schemeID]
	if !ok {
		return "", fmt.Errorf("%w: scheme %d not found", ErrSchemeMisconfigured, schemeID)
	}
	return tmpl, nil
}

func (t *memoryTx) ListTaxRates(ctx context.Context, percent decimal.Decimal) ([]TaxRate, error) {
	var out []TaxRate
	for _, r := range t.store.taxRates {
		if r.Percent.Equal(percent) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (t *memoryTx) InsertInvoice(ctx context.Context, inv Invoice) (int64, error) {
	if t.store.insertErr != nil {
		return 0, t.store.insertErr
	}
	t.store.nextInvoiceID++
	inv.ID = t.store.nextInvoiceID
	t.store.invoices = append(t.store.invoices, inv)
	return inv.ID, nil
}

func (t *memoryTx) InsertInvoiceLine(ctx context.Context, line InvoiceLine) (int64, error) {
	ev := t.store.events[line.EventID]
	if ev != nil && ev.CustomerID == t.store.failLineOnCustomer && line.LineSeq == 2 {
		return 0, errors.New("line insert failed")
	}
	t.store.nextLineID++
	line.ID = t.store.nextLineID
	t.store.lines = append(t.store.lines, line)
	return line.ID, nil
}

func (t *memoryTx) InsertLedgerEntry(ctx context.Context, entry LedgerEntry) error {
	t.store.ledger = append(t.store.ledger, entry)
	return nil
}

func (t *memoryTx) MarkEventBilled(ctx context.Context, eventID, invoiceID int64) error {
	ev, ok := t.store.events[eventID]
	if ok && eventID == t.store.billBehindOurBack {
		ev.InvoiceID = 999
	}
	if !ok || ev.InvoiceID != 0 {
		return fmt.Errorf("%w: event %d", ErrEventAlreadyBilled, eventID)
	}
	ev.InvoiceID = invoiceID
	return nil
}

func (m *memoryStore) linesOf(invoiceID int64) []InvoiceLine {
	var out []InvoiceLine
	for _, l := range m.lines {
		if l.InvoiceID == invoiceID {
			out = append(out, l)
		}
	}
	return out
}

func (m *memoryStore) ledgerOf(invoiceID int64) []LedgerEntry {
	var out []LedgerEntry
	for _, e := range m.ledger {
		if e.InvoiceID == invoiceID {
			out = append(out, e)
		}
	}
	return out
}
