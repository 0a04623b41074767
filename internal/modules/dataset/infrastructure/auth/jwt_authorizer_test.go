package auth

import (
	"context"
	"testing"
	"time"

	"KnowForge/internal/modules/dataset/domain/training"
	"KnowForge/pkg/util/myjwt"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCollections struct {
	byID map[int64]*training.Collection
}

func (f *fakeCollections) Create(context.Context, *training.Collection) error { return nil }

func (f *fakeCollections) GetByID(_ context.Context, id int64) (*training.Collection, error) {
	return f.byID[id], nil
}

func (f *fakeCollections) ListByOwner(context.Context, string) ([]*training.Collection, error) {
	return nil, nil
}

func (f *fakeCollections) DeleteCascade(context.Context, int64) (int64, error) { return 0, nil }

func TestAuthorizeAndResolveOwner(t *testing.T) {
	repo := &fakeCollections{byID: map[int64]*training.Collection{
		1: {ID: 1, OwnerID: "team-a"},
		2: {ID: 2, OwnerID: "team-b"},
	}}
	a := NewJWTAuthorizer("k", repo)
	ctx := context.Background()

	tok, err := myjwt.GenerateTokenWithKey("k", "test", time.Hour, "u-1", "alice", "team-a")
	require.NoError(t, err)

	p, err := a.AuthorizeAndResolveOwner(ctx, training.AuthRequest{Token: "Bearer " + tok, CollectionID: 1})
	require.NoError(t, err)
	assert.Equal(t, training.Principal{OwnerID: "team-a", MemberID: "u-1", CollectionID: 1}, p)

	_, err = a.AuthorizeAndResolveOwner(ctx, training.AuthRequest{Token: tok, CollectionID: 2})
	assert.ErrorIs(t, err, training.ErrUnauthorized)

	_, err = a.AuthorizeAndResolveOwner(ctx, training.AuthRequest{Token: tok, CollectionID: 99})
	assert.ErrorIs(t, err, training.ErrUnauthorized)

	p, err = a.AuthorizeAndResolveOwner(ctx, training.AuthRequest{Token: tok})
	require.NoError(t, err)
	assert.Equal(t, "team-a", p.OwnerID)
	assert.Zero(t, p.CollectionID)

	_, err = a.AuthorizeAndResolveOwner(ctx, training.AuthRequest{Token: "garbage"})
	assert.ErrorIs(t, err, training.ErrUnauthorized)
}
