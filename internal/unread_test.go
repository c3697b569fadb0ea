package internal

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubUnreadStore struct {
	counts map[string]int
	err    error
}

func (s stubUnreadStore) UnreadCounts(context.Context, string) (map[string]int, error) {
	return s.counts, s.err
}

func TestUnreadAggregatorOmitsZeroCounts(t *testing.T) {
	req := require.New(t)
	unread := NewUnreadAggregator(stubUnreadStore{counts: map[string]int{"alice": 3, "bob": 0, "carol": 1}})

	counts, err := unread.Counts(context.Background(), "dave")
	req.NoError(err)
	req.Equal(map[string]int{"alice": 3, "carol": 1}, counts)

	total, err := unread.Total(context.Background(), "dave")
	req.NoError(err)
	req.Equal(4, total)
}

func TestUnreadAggregatorWrapsStoreErrors(t *testing.T) {
	unread := NewUnreadAggregator(stubUnreadStore{err: errors.New("disk gone")})
	_, err := unread.Counts(context.Background(), "dave")
	require.Equal(t, KindInternal, KindOf(err))
}
