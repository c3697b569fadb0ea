package internal

import (
	"context"

	"github.com/samber/lo"
)

// UnreadStore answers grouped unseen counts.
type UnreadStore interface {
	UnreadCounts(ctx context.Context, to string) (map[string]int, error)
}

// UnreadAggregator computes per-sender unread counts straight from the store, so the
// answer is always consistent with the seen flags.
type UnreadAggregator struct {
	store UnreadStore
}

func NewUnreadAggregator(store UnreadStore) *UnreadAggregator {
	return &UnreadAggregator{store: store}
}

// Counts maps sender -> unseen message count for viewer. Senders with nothing unseen are
// absent.
func (u *UnreadAggregator) Counts(ctx context.Context, viewer string) (map[string]int, error) {
	counts, err := u.store.UnreadCounts(ctx, viewer)
	if err != nil {
		return nil, internalError("load unread counts", err)
	}
	return lo.PickBy(counts, func(_ string, n int) bool { return n > 0 }), nil
}

// Total sums the unread counts across senders.
func (u *UnreadAggregator) Total(ctx context.Context, viewer string) (int, error) {
	counts, err := u.Counts(ctx, viewer)
	if err != nil {
		return 0, err
	}
	return lo.Sum(lo.Values(counts)), nil
}
