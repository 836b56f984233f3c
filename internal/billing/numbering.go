package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/lms-iptv/tvbilling/internal/billing/docnumber"
)

// DocumentNumberAllocator reserves sequence values per numbering scheme.
//
// The counter increment runs in the caller's transaction: the row stays locked
// until commit, so concurrent runs are serialised and a rolled back batch
// gives its value back.
type DocumentNumberAllocator struct{}

// Next allocates the next sequence for schemeID. Scheme zero still receives a
// sequence but no formatted number.
func (DocumentNumberAllocator) Next(ctx context.Context, tx TxRepository, schemeID int64, asOf time.Time) (DocumentNumber, error) {
	seq, err := tx.NextSequence(ctx, schemeID)
	if err != nil {
		return DocumentNumber{}, fmt.Errorf("allocate number for scheme %d: %w", schemeID, err)
	}
	number := DocumentNumber{Sequence: seq}
	if schemeID == 0 {
		return number, nil
	}
	tmpl, err := tx.GetSchemeTemplate(ctx, schemeID)
	if err != nil {
		return DocumentNumber{}, err
	}
	if tmpl == "" {
		return DocumentNumber{}, fmt.Errorf("%w: scheme %d has no template", ErrSchemeMisconfigured, schemeID)
	}
	formatted := docnumber.Format(tmpl, seq, asOf)
	number.Formatted = &formatted
	return number, nil
}
