package billing

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// TaxPolicy decides what happens to a line whose tax rate cannot be resolved.
type TaxPolicy string

const (
	// TaxPolicyNull writes the line with a NULL tax reference and warns.
	TaxPolicyNull TaxPolicy = "null"
	// TaxPolicySkip leaves the event unbilled and omits the line.
	TaxPolicySkip TaxPolicy = "skip"
	// TaxPolicyAbort abandons the whole customer batch.
	TaxPolicyAbort TaxPolicy = "abort"
)

const (
	// PaymentTermSentinel is the stored customer term meaning "use the default".
	PaymentTermSentinel = -1
	// DefaultPaymentTermDays applies when the stored term is the sentinel.
	DefaultPaymentTermDays = 14
	// DefaultContentLabel is the generic label of event lines.
	DefaultContentLabel = "usl."
	// DefaultPaymentType marks invoices produced by the batch.
	DefaultPaymentType = 2
)

// Config is the explicit settings object handed to the engine at start-up.
type Config struct {
	SchemeID        int64     `validate:"gte=0"`
	DefaultTermDays int       `validate:"gte=0"`
	PaymentType     int       `validate:"gte=0"`
	TaxPolicy       TaxPolicy `validate:"omitempty,oneof=null skip abort"`
	ContentLabel    string
	TariffRef       string
	DryRun          bool
	Now             func() time.Time
}

var configValidator = validator.New()

// Validate checks the configuration values.
func (c Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("billing: invalid config: %w", err)
	}
	return nil
}

// NumberingSchemeID returns the active numbering scheme; zero means none. Default 0.
func (c Config) NumberingSchemeID() int64 {
	return c.SchemeID
}

// PaymentTermDays maps a stored customer term to the effective term. The
// sentinel -1 maps to DefaultTermDays, itself defaulting to 14.
func (c Config) PaymentTermDays(stored int) int {
	if stored != PaymentTermSentinel {
		return stored
	}
	if c.DefaultTermDays > 0 {
		return c.DefaultTermDays
	}
	return DefaultPaymentTermDays
}

// MissingTaxPolicy returns the configured policy. Default TaxPolicyNull.
func (c Config) MissingTaxPolicy() TaxPolicy {
	if c.TaxPolicy == "" {
		return TaxPolicyNull
	}
	return c.TaxPolicy
}

// LineContentLabel returns the line content label. Default "usl.".
func (c Config) LineContentLabel() string {
	if c.ContentLabel == "" {
		return DefaultContentLabel
	}
	return c.ContentLabel
}

// InvoicePaymentType returns the payment-type marker. Default 2.
func (c Config) InvoicePaymentType() int {
	if c.PaymentType == 0 {
		return DefaultPaymentType
	}
	return c.PaymentType
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}
