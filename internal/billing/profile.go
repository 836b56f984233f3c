package billing

import "context"

// CustomerProfileLookup resolves the customer and division snapshot of a batch.
type CustomerProfileLookup struct{}

// Resolve loads the profile inside the batch transaction. A missing customer
// yields ErrCustomerNotFound.
func (CustomerProfileLookup) Resolve(ctx context.Context, tx TxRepository, customerID int64) (CustomerProfile, error) {
	if customerID <= 0 {
		return CustomerProfile{}, ErrCustomerNotFound
	}
	return tx.GetCustomerProfile(ctx, customerID)
}
