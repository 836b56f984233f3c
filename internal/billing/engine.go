package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Observer receives run outcomes, typically a metrics sink.
type Observer interface {
	InvoiceCreated(lines int)
	BatchSkipped(reason string)
	TaxUnresolved(count int)
}

type nopObserver struct{}

func (nopObserver) InvoiceCreated(int)  {}
func (nopObserver) BatchSkipped(string) {}
func (nopObserver) TaxUnresolved(int)   {}

// Engine runs one consolidation pass over all pending billing events.
type Engine struct {
	repo     RepositoryPort
	cfg      Config
	grouper  *EventGrouper
	logger   *slog.Logger
	observer Observer
}

// NewEngine constructs the engine.
func NewEngine(repo RepositoryPort, cfg Config, logger *slog.Logger, observer Observer) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &Engine{
		repo:     repo,
		cfg:      cfg,
		grouper:  NewEventGrouper(repo),
		logger:   logger,
		observer: observer,
	}
}

// Pending returns the batches the next run would process.
func (e *Engine) Pending(ctx context.Context) ([]CustomerBatch, error) {
	return e.grouper.Collect(ctx)
}

// Run invoices every customer batch in its own transaction. Batch level
// failures are recorded in the report and skipped; any other error stops the
// run and is returned with the partial report.
func (e *Engine) Run(ctx context.Context) (RunReport, error) {
	report := RunReport{RunID: uuid.New(), StartedAt: e.cfg.now()}
	log := e.logger.With(slog.String("run_id", report.RunID.String()))
	if err := e.cfg.Validate(); err != nil {
		return report, err
	}

	batches, err := e.grouper.Collect(ctx)
	if err != nil {
		return report, fmt.Errorf("collect pending events: %w", err)
	}
	log.Info("billing run started",
		slog.Int("batches", len(batches)),
		slog.Int64("scheme_id", e.cfg.NumberingSchemeID()),
		slog.String("tax_policy", string(e.cfg.MissingTaxPolicy())),
		slog.Bool("dry_run", e.cfg.DryRun))

	writer := NewInvoiceWriter(e.cfg, NewTaxResolver(), log)
	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if e.cfg.DryRun {
			log.Info("pending batch",
				slog.Int64("customer_id", batch.CustomerID),
				slog.Int("events", len(batch.Events)),
				slog.String("gross", batch.Gross().StringFixed(2)))
			continue
		}

		var res WriteResult
		err := e.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			var err error
			res, err = writer.Write(ctx, tx, batch)
			return err
		})
		if err != nil {
			if IsBatchFatal(err) {
				report.Skipped = append(report.Skipped, SkippedBatch{
					CustomerID: batch.CustomerID,
					Events:     len(batch.Events),
					Reason:     err.Error(),
				})
				e.observer.BatchSkipped(skipReason(err))
				log.Error("customer batch skipped",
					slog.Int64("customer_id", batch.CustomerID),
					slog.Int("events", len(batch.Events)),
					slog.Any("error", err))
				continue
			}
			return report, fmt.Errorf("customer %d: %w", batch.CustomerID, err)
		}

		summary := InvoiceSummary{
			InvoiceID:  res.Invoice.ID,
			CustomerID: batch.CustomerID,
			Sequence:   res.Invoice.Number.Sequence,
			Lines:      len(res.Invoice.Lines),
			Gross:      res.Invoice.Gross(),
		}
		if res.Invoice.Number.Formatted != nil {
			summary.Formatted = *res.Invoice.Number.Formatted
		}
		report.Invoices = append(report.Invoices, summary)
		report.EventsBilled += summary.Lines
		report.EventsDeferred += len(res.Deferred)
		report.TaxUnresolved += res.TaxUnresolved
		e.observer.InvoiceCreated(summary.Lines)
		e.observer.TaxUnresolved(res.TaxUnresolved)
		log.Info("invoice created",
			slog.Int64("customer_id", batch.CustomerID),
			slog.Int64("invoice_id", summary.InvoiceID),
			slog.Int64("sequence", summary.Sequence),
			slog.String("number", summary.Formatted),
			slog.Int("lines", summary.Lines),
			slog.String("gross", summary.Gross.StringFixed(2)))
	}

	report.FinishedAt = e.cfg.now()
	log.Info("billing run finished",
		slog.Int("invoices", len(report.Invoices)),
		slog.Int("skipped", len(report.Skipped)),
		slog.Int("events_billed", report.EventsBilled),
		slog.Int("events_deferred", report.EventsDeferred),
		slog.Int("tax_unresolved", report.TaxUnresolved),
		slog.Duration("duration", report.FinishedAt.Sub(report.StartedAt)))
	return report, nil
}

func skipReason(err error) string {
	switch {
	case errors.Is(err, ErrCustomerNotFound):
		return "customer_not_found"
	case errors.Is(err, ErrTaxRateNotFound):
		return "tax_rate_not_found"
	case errors.Is(err, ErrEventAlreadyBilled):
		return "event_already_billed"
	case errors.Is(err, ErrNoBillableLines):
		return "no_billable_lines"
	default:
		return "conflict"
	}
}
