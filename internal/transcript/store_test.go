package transcript

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"livenote/internal/domain"
)

func seg(id string, start, end int64, text string) domain.TranscriptSegment {
	return domain.TranscriptSegment{ID: id, StartMs: start, EndMs: end, Text: text, Confidence: 0.9}
}

func TestInsertOrdersByStartRegardlessOfArrival(t *testing.T) {
	t.Parallel()

	base := []domain.TranscriptSegment{
		seg("a", 0, 900, "one"),
		seg("b", 1000, 1800, "two"),
		seg("c", 2000, 2600, "three"),
		seg("d", 3000, 3500, "four"),
		seg("e", 4000, 4800, "five"),
		seg("f", 5000, 5100, "six"),
	}

	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 25; round++ {
		shuffled := append([]domain.TranscriptSegment(nil), base...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		store := NewStore()
		for _, s := range shuffled {
			inserted, err := store.Insert(s)
			require.NoError(t, err)
			require.True(t, inserted)
		}

		all := store.All()
		require.Len(t, all, len(base))
		require.True(t, sort.SliceIsSorted(all, func(i, j int) bool { return all[i].StartMs < all[j].StartMs }))
	}
}

func TestInsertDeduplicatesByID(t *testing.T) {
	t.Parallel()

	store := NewStore()
	inserted, err := store.Insert(seg("s1", 1000, 3000, "Client reports feeling anxious"))
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = store.Insert(seg("s1", 5000, 6000, "different text"))
	require.NoError(t, err)
	require.False(t, inserted)

	require.Equal(t, 1, store.Len())
	got, ok := store.Get("s1")
	require.True(t, ok)
	require.Equal(t, "Client reports feeling anxious", got.Text)
	require.Equal(t, int64(1000), got.StartMs)
}

func TestInsertKeepsArrivalOrderForEqualStart(t *testing.T) {
	t.Parallel()

	store := NewStore()
	_, _ = store.Insert(seg("first", 1000, 1200, "x"))
	_, _ = store.Insert(seg("second", 1000, 1100, "y"))
	_, _ = store.Insert(seg("early", 500, 600, "z"))

	all := store.All()
	require.Equal(t, []string{"early", "first", "second"}, []string{all[0].ID, all[1].ID, all[2].ID})
}

func TestInsertRejectsInvalidSegments(t *testing.T) {
	t.Parallel()

	store := NewStore()
	cases := []domain.TranscriptSegment{
		seg("", 0, 10, "missing id"),
		seg("neg", -5, 10, "negative"),
		seg("back", 100, 50, "backwards"),
		{ID: "conf", StartMs: 0, EndMs: 1, Confidence: 1.5},
	}
	for _, c := range cases {
		_, err := store.Insert(c)
		require.ErrorIs(t, err, domain.ErrInvalidSegment)
	}
	require.Zero(t, store.Len())
}

func TestRangeReturnsOverlappingSegments(t *testing.T) {
	t.Parallel()

	store := NewStore()
	_, _ = store.Insert(seg("a", 0, 900, "a"))
	_, _ = store.Insert(seg("b", 1000, 3000, "b"))
	_, _ = store.Insert(seg("c", 4000, 5000, "c"))

	got := store.Range(2500, 4000)
	require.Len(t, got, 2)
	require.Equal(t, "b", got[0].ID)
	require.Equal(t, "c", got[1].ID)

	require.Empty(t, store.Range(3100, 3900))
	require.Empty(t, store.Range(10, 5))
}

func TestNearest(t *testing.T) {
	t.Parallel()

	store := NewStore()
	_, ok := store.Nearest(100)
	require.False(t, ok)

	_, _ = store.Insert(seg("s1", 1000, 3000, "Client reports feeling anxious"))
	_, _ = store.Insert(seg("s2", 4000, 4000, "Therapist observed client fidgeting"))

	got, ok := store.Nearest(4500)
	require.True(t, ok)
	require.Equal(t, "s2", got.ID)

	got, _ = store.Nearest(2000)
	require.Equal(t, "s1", got.ID)

	// 3500 is 500ms from both; the earlier segment wins.
	got, _ = store.Nearest(3500)
	require.Equal(t, "s1", got.ID)

	got, _ = store.Nearest(0)
	require.Equal(t, "s1", got.ID)
}

func TestGetFindsSegmentsInsertedOutOfOrder(t *testing.T) {
	t.Parallel()

	store := NewStore()
	for _, s := range []domain.TranscriptSegment{
		seg("s3", 9000, 9500, "third"),
		seg("s1", 1000, 1500, "first"),
		seg("s2", 4000, 4000, "second"),
	} {
		_, err := store.Insert(s)
		require.NoError(t, err)
	}

	for id, want := range map[string]string{"s1": "first", "s2": "second", "s3": "third"} {
		got, ok := store.Get(id)
		require.True(t, ok, id)
		require.Equal(t, want, got.Text)
	}
	_, ok := store.Get("missing")
	require.False(t, ok)
}
