package sink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlcore/internal/crawler"
)

type fixedIDs struct {
	id  string
	err error
}

func (f fixedIDs) NewID() (string, error) { return f.id, f.err }

type fixedClock time.Time

func (c fixedClock) Now() time.Time                          { return time.Time(c) }
func (fixedClock) Sleep(context.Context, time.Duration) error { return nil }

func TestNewRecord(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	item := crawler.NewItem()
	item.Data["url"] = "https://example.com/"

	rec, err := NewRecord(fixedIDs{id: "id-1"}, fixedClock(now), "run-1", item)
	require.NoError(t, err)
	require.Equal(t, "id-1", rec.ID)
	require.Equal(t, "run-1", rec.RunID)
	require.Equal(t, now, rec.AcceptedAt)
	require.Equal(t, "https://example.com/", rec.Data["url"])

	_, err = NewRecord(fixedIDs{err: errors.New("entropy")}, fixedClock(now), "run-1", item)
	require.Error(t, err)
}
