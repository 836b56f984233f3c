package billing

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DocTypeInvoice marks invoice documents in the shared documents table.
const DocTypeInvoice = 1

// LineQuantity is the fixed quantity of a line produced from a billing event.
const LineQuantity = 1

// BillingEvent is one pending charge produced by metering or provisioning.
type BillingEvent struct {
	ID          int64
	CustomerID  int64
	Gross       decimal.Decimal
	TaxRate     decimal.Decimal // fractional, 0.23 for 23%
	Description string
	InvoiceID   int64 // zero while unbilled
}

// Billed reports whether the event already references an invoice.
func (e BillingEvent) Billed() bool {
	return e.InvoiceID != 0
}

// TaxPercent returns the event rate as a percentage (0.23 -> 23).
func (e BillingEvent) TaxPercent() decimal.Decimal {
	return e.TaxRate.Mul(decimal.NewFromInt(100))
}

// CustomerBatch holds the pending events of one customer in load order.
type CustomerBatch struct {
	CustomerID int64
	Events     []BillingEvent
}

// Gross sums the gross amounts of the batch.
func (b CustomerBatch) Gross() decimal.Decimal {
	total := decimal.Zero
	for _, ev := range b.Events {
		total = total.Add(ev.Gross)
	}
	return total
}

// Customer is the billing identity of a subscriber.
type Customer struct {
	ID              int64
	LastName        string
	FirstName       string
	Address         string
	City            string
	Zip             string
	TaxID1          string // ssn
	TaxID2          string // ten
	CountryID       int64
	DivisionID      int64
	PaymentTermDays int
}

// DisplayName renders the invoice recipient name.
func (c Customer) DisplayName() string {
	return c.LastName + " " + c.FirstName
}

// Division carries the issuer boilerplate snapshotted on each invoice.
type Division struct {
	ID            int64
	Name          string
	ShortName     string
	Address       string
	City          string
	Zip           string
	CountryID     int64
	TaxID         string
	RegistryID    string
	BankAccount   string
	InvoiceHeader string
	InvoiceFooter string
	InvoiceAuthor string
	InvoicePlace  string
}

// CustomerProfile combines a customer and its division for header snapshots.
type CustomerProfile struct {
	Customer Customer
	Division Division
}

// TaxRate is a stored tax percentage with an optional validity window.
type TaxRate struct {
	ID        int64
	Percent   decimal.Decimal
	ValidFrom *time.Time
	ValidTo   *time.Time
}

// ValidAt reports whether the rate applies on the given date. Missing bounds are open.
func (t TaxRate) ValidAt(at time.Time) bool {
	if t.ValidFrom != nil && at.Before(*t.ValidFrom) {
		return false
	}
	if t.ValidTo != nil && at.After(*t.ValidTo) {
		return false
	}
	return true
}

// NumberingScheme renders document numbers from a template.
type NumberingScheme struct {
	ID       int64
	Template string
}

// DocumentNumber is the result of a number allocation.
type DocumentNumber struct {
	Sequence  int64
	Formatted *string
}

// Invoice is the billing document header.
type Invoice struct {
	ID              int64
	Number          DocumentNumber
	SchemeID        int64
	DocType         int
	CustomerID      int64
	CountryID       int64
	DivisionID      int64
	Name            string
	Address         string
	Zip             string
	City            string
	TaxID1          string
	TaxID2          string
	CreatedAt       time.Time
	IssuedAt        time.Time
	DueAt           time.Time
	PaymentTermDays int
	PaymentType     int
	Division        Division
	Lines           []InvoiceLine
}

// Gross sums the invoice line amounts.
func (inv Invoice) Gross() decimal.Decimal {
	total := decimal.Zero
	for _, l := range inv.Lines {
		total = total.Add(l.Amount)
	}
	return total
}

// InvoiceLine is one line item of an invoice.
type InvoiceLine struct {
	ID           int64
	InvoiceID    int64
	EventID      int64
	Amount       decimal.Decimal
	TaxRateID    *int64
	ProductRef   string
	ContentLabel string
	Quantity     int
	Description  string
	TariffRef    string
	LineSeq      int
}

// LedgerEntry is the cash posting paired with an invoice line.
type LedgerEntry struct {
	Time       time.Time
	Amount     decimal.Decimal
	TaxRateID  *int64
	CustomerID int64
	Comment    string
	InvoiceID  int64
	LineSeq    int
}

// InvoiceSummary describes one invoice produced by a run.
type InvoiceSummary struct {
	InvoiceID  int64
	CustomerID int64
	Sequence   int64
	Formatted  string
	Lines      int
	Gross      decimal.Decimal
}

// SkippedBatch records a customer batch abandoned during a run.
type SkippedBatch struct {
	CustomerID int64
	Events     int
	Reason     string
}

// RunReport summarises one billing pass.
type RunReport struct {
	RunID          uuid.UUID
	StartedAt      time.Time
	FinishedAt     time.Time
	Invoices       []InvoiceSummary
	Skipped        []SkippedBatch
	TaxUnresolved  int
	EventsBilled   int
	EventsDeferred int
}
