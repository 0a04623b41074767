package dedup

import (
	"context"
	"errors"
	"testing"

	"KnowForge/internal/modules/dataset/domain/repository"
	"KnowForge/internal/modules/dataset/domain/training"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeUnits 只实现去重用到的方法
type fakeUnits struct {
	repository.UnitRepository
	known map[string]bool
	err   error
	calls int
}

func (f *fakeUnits) ExistingHashes(ctx context.Context, ownerID string, collectionID int64, hashes []string) (map[string]bool, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := map[string]bool{}
	for _, h := range hashes {
		if f.known[h] {
			out[h] = true
		}
	}
	return out, nil
}

func cands(texts ...string) []Candidate {
	out := make([]Candidate, len(texts))
	for i, t := range texts {
		out[i] = Candidate{Index: i, Hash: ContentHash(t, "")}
	}
	return out
}

func TestNormalizeKeepsCase(t *testing.T) {
	assert.Equal(t, `He said "Hi"`, Normalize("  He said “Hi” \r\n"))
	assert.Equal(t, "it's\nfine", Normalize("it’s\r\nfine"))
	assert.NotEqual(t, ContentHash("Hello", ""), ContentHash("hello", ""))
	assert.Equal(t, ContentHash(" Hello ", ""), ContentHash("Hello", ""))
	assert.NotEqual(t, ContentHash("q", "a"), ContentHash("q a", ""))
}

func TestFilterIntraBatchFirstWins(t *testing.T) {
	f := NewFilter(&fakeUnits{known: map[string]bool{}})
	res, err := f.Apply(context.Background(), "team", 1, cands("a", "b", "a"))
	require.NoError(t, err)
	require.Len(t, res.Accepted, 2)
	assert.Equal(t, 0, res.Accepted[0].Index)
	assert.Equal(t, 1, res.Accepted[1].Index)
	require.Len(t, res.Duplicates, 1)
	assert.Equal(t, 2, res.Duplicates[0].Index)
}

func TestFilterRejectsAlreadyRegistered(t *testing.T) {
	units := &fakeUnits{known: map[string]bool{ContentHash("b", ""): true}}
	res, err := NewFilter(units).Apply(context.Background(), "team", 1, cands("a", "b"))
	require.NoError(t, err)
	require.Len(t, res.Accepted, 1)
	assert.Equal(t, 0, res.Accepted[0].Index)
	require.Len(t, res.Duplicates, 1)
	assert.Equal(t, 1, res.Duplicates[0].Index)
}

func TestFilterFailsClosedOnStoreError(t *testing.T) {
	units := &fakeUnits{err: errors.New("connection reset")}
	res, err := NewFilter(units).Apply(context.Background(), "team", 1, cands("a", "b"))
	require.Error(t, err)
	assert.ErrorIs(t, err, training.ErrStoreUnavailable)
	assert.Empty(t, res.Accepted)
}

func TestFilterBatchesLookups(t *testing.T) {
	texts := make([]string, lookupBatch+10)
	for i := range texts {
		texts[i] = string(rune('a'+i%26)) + string(rune('0'+i/26%10)) + string(rune('A'+i/260))
	}
	units := &fakeUnits{known: map[string]bool{}}
	res, err := NewFilter(units).Apply(context.Background(), "team", 1, cands(texts...))
	require.NoError(t, err)
	assert.Equal(t, 2, units.calls)
	assert.Len(t, res.Accepted, len(texts))
}
