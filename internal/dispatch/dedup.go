package dispatch

import (
	"context"
	"fmt"

	"commdispatch/internal/comm"
	"commdispatch/internal/storage"
)

// DuplicateResolver removes recipients that would deliver the same message
// twice: two people sharing an address, or one person under two aliases.
type DuplicateResolver struct {
	store storage.Recipients
}

func NewDuplicateResolver(store storage.Recipients) *DuplicateResolver {
	return &DuplicateResolver{store: store}
}

// RemoveDuplicates keeps one recipient per medium and address: a row already
// claimed or finished if there is one, else the smallest id. Only pending rows
// are deleted.
// It only runs when the communication asks for it and before it completes.
func (d *DuplicateResolver) RemoveDuplicates(ctx context.Context, c *comm.Communication) (int64, error) {
	if !c.ExcludeDuplicateAddresses || c.Started() {
		return 0, nil
	}
	n, err := d.store.DeleteDuplicateAddressRecipients(ctx, c.ID)
	if err != nil {
		return 0, fmt.Errorf("dedup addresses: %w", err)
	}
	return n, nil
}

// RemoveAliasDuplicates collapses recipients of the same person to one row on
// the primary alias.
func (d *DuplicateResolver) RemoveAliasDuplicates(ctx context.Context, c *comm.Communication) (int64, error) {
	if c.Started() {
		return 0, nil
	}
	n, err := d.store.DeleteNonPrimaryAliasRecipients(ctx, c.ID)
	if err != nil {
		return 0, fmt.Errorf("dedup aliases: %w", err)
	}
	return n, nil
}
