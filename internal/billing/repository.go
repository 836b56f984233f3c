package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/lms-iptv/tvbilling/internal/platform/db"
)

// RepositoryPort abstracts the store used by the engine.
type RepositoryPort interface {
	ListPendingEvents(ctx context.Context) ([]BillingEvent, error)
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes the statements executed inside one invoice transaction.
type TxRepository interface {
	GetCustomerProfile(ctx context.Context, customerID int64) (CustomerProfile, error)
	NextSequence(ctx context.Context, schemeID int64) (int64, error)
	GetSchemeTemplate(ctx context.Context, schemeID int64) (string, error)
	ListTaxRates(ctx context.Context, percent decimal.Decimal) ([]TaxRate, error)
	InsertInvoice(ctx context.Context, inv Invoice) (int64, error)
	InsertInvoiceLine(ctx context.Context, line InvoiceLine) (int64, error)
	InsertLedgerEntry(ctx context.Context, entry LedgerEntry) error
	MarkEventBilled(ctx context.Context, eventID, invoiceID int64) error
}

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListPendingEvents returns unbilled events ordered by customer then event id.
func (r *Repository) ListPendingEvents(ctx context.Context) ([]BillingEvent, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, COALESCE(customer_id, 0), COALESCE(gross_amount::text, ''), COALESCE(tax_rate_percent::text, ''),
	COALESCE(description, ''), COALESCE(invoice_id, 0)
FROM billing_event
WHERE invoice_id IS NULL OR invoice_id = 0
ORDER BY customer_id, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []BillingEvent
	for rows.Next() {
		var (
			ev         BillingEvent
			gross, tax string
		)
		if err := rows.Scan(&ev.ID, &ev.CustomerID, &gross, &tax, &ev.Description, &ev.InvoiceID); err != nil {
			return nil, err
		}
		if ev.Gross, err = ParseAmount(gross); err != nil {
			return nil, fmt.Errorf("billing event %d: %w", ev.ID, err)
		}
		if ev.TaxRate, err = ParseAmount(tax); err != nil {
			return nil, fmt.Errorf("billing event %d: %w", ev.ID, err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps callback in a read-committed transaction. The numbering counter
// row lock then serialises concurrent runs instead of failing them.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := db.WithTxOptions(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
	return classifyPgError(err)
}

func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if err == nil || !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case pgerrcode.UniqueViolation, pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
		return fmt.Errorf("%w: %s", ErrBatchConflict, pgErr.Message)
	}
	return err
}

func (t *txRepo) GetCustomerProfile(ctx context.Context, customerID int64) (CustomerProfile, error) {
	const query = `SELECT c.id, c.last_name, c.first_name, c.address, c.city, c.zip, c.tax_id_1, c.tax_id_2,
	c.country_id, c.division_id, c.payment_term_days,
	d.id, d.name, d.short_name, d.address, d.city, d.zip, d.country_id, d.tax_id, d.registry_id,
	d.bank_account, d.invoice_header, d.invoice_footer, d.invoice_author, d.invoice_place
FROM customer c
LEFT JOIN division d ON d.id = c.division_id
WHERE c.id = $1`
	var row profileRow
	err := t.tx.QueryRow(ctx, query, customerID).Scan(
		&row.ID, &row.LastName, &row.FirstName, &row.Address, &row.City, &row.Zip, &row.TaxID1, &row.TaxID2,
		&row.CountryID, &row.DivisionID, &row.PaymentTermDays,
		&row.DivID, &row.DivName, &row.DivShortName, &row.DivAddress, &row.DivCity, &row.DivZip, &row.DivCountryID,
		&row.DivTaxID, &row.DivRegistryID, &row.DivBankAccount, &row.DivInvoiceHeader, &row.DivInvoiceFooter,
		&row.DivInvoiceAuthor, &row.DivInvoicePlace,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return CustomerProfile{}, fmt.Errorf("%w: id %d", ErrCustomerNotFound, customerID)
	}
	if err != nil {
		return CustomerProfile{}, err
	}
	return row.profile(), nil
}

func (t *txRepo) NextSequence(ctx context.Context, schemeID int64) (int64, error) {
	var seq int64
	err := t.tx.QueryRow(ctx, `INSERT INTO numbering_counter (scheme_id, last_value)
VALUES ($1, 1)
ON CONFLICT (scheme_id)
DO UPDATE SET last_value = numbering_counter.last_value + 1
RETURNING last_value`, schemeID).Scan(&seq)
	return seq, err
}

func (t *txRepo) GetSchemeTemplate(ctx context.Context, schemeID int64) (string, error) {
	var tmpl pgtype.Text
	err := t.tx.QueryRow(ctx, `SELECT template FROM numbering_scheme WHERE id = $1`, schemeID).Scan(&tmpl)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%w: scheme %d not found", ErrSchemeMisconfigured, schemeID)
	}
	if err != nil {
		return "", err
	}
	return tmpl.String, nil
}

func (t *txRepo) ListTaxRates(ctx context.Context, percent decimal.Decimal) ([]TaxRate, error) {
	rows, err := t.tx.Query(ctx, `SELECT id, percent::text, valid_from, valid_to FROM tax_rate WHERE percent = $1 ORDER BY id`, percent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rates []TaxRate
	for rows.Next() {
		var (
			rate     TaxRate
			pct      string
			from, to pgtype.Timestamptz
		)
		if err := rows.Scan(&rate.ID, &pct, &from, &to); err != nil {
			return nil, err
		}
		if rate.Percent, err = ParseAmount(pct); err != nil {
			return nil, err
		}
		rate.ValidFrom = boundOrNil(from)
		rate.ValidTo = boundOrNil(to)
		rates = append(rates, rate)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rates, nil
}

// boundOrNil treats NULL and the epoch as an unbounded window edge.
func boundOrNil(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid || ts.Time.Unix() == 0 {
		return nil
	}
	t := ts.Time
	return &t
}

func (t *txRepo) InsertInvoice(ctx context.Context, inv Invoice) (int64, error) {
	var formatted pgtype.Text
	if inv.Number.Formatted != nil {
		formatted = pgtype.Text{String: *inv.Number.Formatted, Valid: true}
	}
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO invoice (
	sequence_number, scheme_id, doc_type, country_id, division_id, customer_id, name, address, zip, city,
	tax_id_1, tax_id_2, created_at, issued_at, due_at, payment_term_days, payment_type,
	div_name, div_short_name, div_address, div_city, div_zip, div_country_id, div_tax_id, div_registry_id,
	div_bank_account, div_invoice_header, div_invoice_footer, div_invoice_author, div_invoice_place, formatted_number
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17,
	$18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31)
RETURNING id`,
		inv.Number.Sequence, inv.SchemeID, inv.DocType, inv.CountryID, inv.DivisionID, inv.CustomerID,
		inv.Name, inv.Address, inv.Zip, inv.City, inv.TaxID1, inv.TaxID2,
		inv.CreatedAt, inv.IssuedAt, inv.DueAt, inv.PaymentTermDays, inv.PaymentType,
		inv.Division.Name, inv.Division.ShortName, inv.Division.Address, inv.Division.City, inv.Division.Zip,
		inv.Division.CountryID, inv.Division.TaxID, inv.Division.RegistryID, inv.Division.BankAccount,
		inv.Division.InvoiceHeader, inv.Division.InvoiceFooter, inv.Division.InvoiceAuthor, inv.Division.InvoicePlace,
		formatted,
	).Scan(&id)
	return id, err
}

func (t *txRepo) InsertInvoiceLine(ctx context.Context, line InvoiceLine) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO invoice_line (
	invoice_id, amount, tax_rate_id, product_ref, content_label, quantity, description, tariff_ref, line_seq
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING id`,
		line.InvoiceID, line.Amount, nullableID(line.TaxRateID), line.ProductRef, line.ContentLabel,
		line.Quantity, line.Description, line.TariffRef, line.LineSeq,
	).Scan(&id)
	return id, err
}

func (t *txRepo) InsertLedgerEntry(ctx context.Context, entry LedgerEntry) error {
	_, err := t.tx.Exec(ctx, `INSERT INTO ledger_entry (timestamp, amount, tax_rate_id, customer_id, comment, invoice_id, line_seq)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.Time, entry.Amount, nullableID(entry.TaxRateID), entry.CustomerID, entry.Comment, entry.InvoiceID, entry.LineSeq)
	return err
}

func (t *txRepo) MarkEventBilled(ctx context.Context, eventID, invoiceID int64) error {
	tag, err := t.tx.Exec(ctx, `UPDATE billing_event SET invoice_id = $1 WHERE id = $2 AND (invoice_id IS NULL OR invoice_id = 0)`, invoiceID, eventID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: event %d", ErrEventAlreadyBilled, eventID)
	}
	return nil
}

func nullableID(id *int64) pgtype.Int8 {
	if id == nil {
		return pgtype.Int8{}
	}
	return pgtype.Int8{Int64: *id, Valid: true}
}

// profileRow mirrors the nullable columns of the customer/division join.
type profileRow struct {
	ID              int64
	LastName        pgtype.Text
	FirstName       pgtype.Text
	Address         pgtype.Text
	City            pgtype.Text
	Zip             pgtype.Text
	TaxID1          pgtype.Text
	TaxID2          pgtype.Text
	CountryID       pgtype.Int8
	DivisionID      pgtype.Int8
	PaymentTermDays pgtype.Int4

	DivID            pgtype.Int8
	DivName          pgtype.Text
	DivShortName     pgtype.Text
	DivAddress       pgtype.Text
	DivCity          pgtype.Text
	DivZip           pgtype.Text
	DivCountryID     pgtype.Int8
	DivTaxID         pgtype.Text
	DivRegistryID    pgtype.Text
	DivBankAccount   pgtype.Text
	DivInvoiceHeader pgtype.Text
	DivInvoiceFooter pgtype.Text
	DivInvoiceAuthor pgtype.Text
	DivInvoicePlace  pgtype.Text
}

func (r profileRow) profile() CustomerProfile {
	// NULL reads as zero like every numeric column, so only a stored -1 takes the default term.
	term := int(r.PaymentTermDays.Int32)
	return CustomerProfile{
		Customer: Customer{
			ID:              r.ID,
			LastName:        r.LastName.String,
			FirstName:       r.FirstName.String,
			Address:         r.Address.String,
			City:            r.City.String,
			Zip:             r.Zip.String,
			TaxID1:          r.TaxID1.String,
			TaxID2:          r.TaxID2.String,
			CountryID:       r.CountryID.Int64,
			DivisionID:      r.DivisionID.Int64,
			PaymentTermDays: term,
		},
		Division: Division{
			ID:            r.DivID.Int64,
			Name:          r.DivName.String,
			ShortName:     r.DivShortName.String,
			Address:       r.DivAddress.String,
			City:          r.DivCity.String,
			Zip:           r.DivZip.String,
			CountryID:     r.DivCountryID.Int64,
			TaxID:         r.DivTaxID.String,
			RegistryID:    r.DivRegistryID.String,
			BankAccount:   r.DivBankAccount.String,
			InvoiceHeader: r.DivInvoiceHeader.String,
			InvoiceFooter: r.DivInvoiceFooter.String,
			InvoiceAuthor: r.DivInvoiceAuthor.String,
			InvoicePlace:  r.DivInvoicePlace.String,
		},
	}
}
