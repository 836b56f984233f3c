package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// WriteResult describes what a batch wrote.
type WriteResult struct {
	Invoice       Invoice
	Ledger        []LedgerEntry
	TaxUnresolved int
	Deferred      []int64
}

// InvoiceWriter persists one customer's invoice inside a transaction.
type InvoiceWriter struct {
	cfg      Config
	profiles CustomerProfileLookup
	numbers  DocumentNumberAllocator
	taxes    *TaxResolver
	logger   *slog.Logger
}

// NewInvoiceWriter constructs the writer.
func NewInvoiceWriter(cfg Config, taxes *TaxResolver, logger *slog.Logger) *InvoiceWriter {
	if taxes == nil {
		taxes = NewTaxResolver()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &InvoiceWriter{cfg: cfg, taxes: taxes, logger: logger}
}

// Write creates the invoice header, its lines and ledger postings and marks the
// batch events billed. Any returned error must roll back tx.
func (w *InvoiceWriter) Write(ctx context.Context, tx TxRepository, batch CustomerBatch) (WriteResult, error) {
	if len(batch.Events) == 0 {
		return WriteResult{}, ErrNoBillableLines
	}
	profile, err := w.profiles.Resolve(ctx, tx, batch.CustomerID)
	if err != nil {
		return WriteResult{}, err
	}

	now := w.cfg.now()
	schemeID := w.cfg.NumberingSchemeID()
	number, err := w.numbers.Next(ctx, tx, schemeID, now)
	if err != nil {
		return WriteResult{}, err
	}

	inv := newInvoice(w.cfg, profile, number, schemeID, now)
	inv.ID, err = tx.InsertInvoice(ctx, inv)
	if err != nil {
		return WriteResult{}, fmt.Errorf("insert invoice: %w", err)
	}

	result := WriteResult{}
	seq := 0
	for _, ev := range batch.Events {
		taxID, err := w.resolveTax(ctx, tx, ev, now)
		switch {
		case err == nil:
		case errors.Is(err, ErrTaxRateNotFound) && w.cfg.MissingTaxPolicy() == TaxPolicyNull:
			result.TaxUnresolved++
			w.logger.Warn("tax rate unresolved, line written without tax reference",
				slog.Int64("customer_id", batch.CustomerID),
				slog.Int64("event_id", ev.ID),
				slog.String("tax_percent", ev.TaxPercent().String()))
		case errors.Is(err, ErrTaxRateNotFound) && w.cfg.MissingTaxPolicy() == TaxPolicySkip:
			result.TaxUnresolved++
			result.Deferred = append(result.Deferred, ev.ID)
			w.logger.Warn("tax rate unresolved, event deferred",
				slog.Int64("customer_id", batch.CustomerID),
				slog.Int64("event_id", ev.ID),
				slog.String("tax_percent", ev.TaxPercent().String()))
			continue
		default:
			return WriteResult{}, err
		}

		seq++
		line := InvoiceLine{
			InvoiceID:    inv.ID,
			EventID:      ev.ID,
			Amount:       ev.Gross,
			TaxRateID:    taxID,
			ContentLabel: w.cfg.LineContentLabel(),
			Quantity:     LineQuantity,
			Description:  ev.Description,
			TariffRef:    w.cfg.TariffRef,
			LineSeq:      seq,
		}
		if line.ID, err = tx.InsertInvoiceLine(ctx, line); err != nil {
			return WriteResult{}, fmt.Errorf("insert invoice line %d: %w", seq, err)
		}
		entry := LedgerEntry{
			Time:       now,
			Amount:     ev.Gross.Neg(),
			TaxRateID:  taxID,
			CustomerID: batch.CustomerID,
			Comment:    ev.Description,
			InvoiceID:  inv.ID,
			LineSeq:    seq,
		}
		if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
			return WriteResult{}, fmt.Errorf("insert ledger entry %d: %w", seq, err)
		}
		if err := tx.MarkEventBilled(ctx, ev.ID, inv.ID); err != nil {
			return WriteResult{}, err
		}
		inv.Lines = append(inv.Lines, line)
		result.Ledger = append(result.Ledger, entry)
	}
	if seq == 0 {
		return WriteResult{}, ErrNoBillableLines
	}
	result.Invoice = inv
	return result, nil
}

func (w *InvoiceWriter) resolveTax(ctx context.Context, tx TxRepository, ev BillingEvent, asOf time.Time) (*int64, error) {
	id, err := w.taxes.Resolve(ctx, tx, ev.TaxPercent(), asOf)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func newInvoice(cfg Config, profile CustomerProfile, number DocumentNumber, schemeID int64, now time.Time) Invoice {
	c := profile.Customer
	term := cfg.PaymentTermDays(c.PaymentTermDays)
	return Invoice{
		Number:          number,
		SchemeID:        schemeID,
		DocType:         DocTypeInvoice,
		CustomerID:      c.ID,
		CountryID:       c.CountryID,
		DivisionID:      c.DivisionID,
		Name:            c.DisplayName(),
		Address:         c.Address,
		Zip:             c.Zip,
		City:            c.City,
		TaxID1:          c.TaxID1,
		TaxID2:          c.TaxID2,
		CreatedAt:       now,
		IssuedAt:        now,
		DueAt:           DueDate(now, term),
		PaymentTermDays: term,
		PaymentType:     cfg.InvoicePaymentType(),
		Division:        profile.Division,
	}
}

// DueDate returns the issue date moved forward by termDays calendar days.
func DueDate(issued time.Time, termDays int) time.Time {
	return issued.AddDate(0, 0, termDays)
}
