package memstore_test

import (
	"context"
	"testing"

	"github.com/nanogit-core/gitcore/hash"
	"github.com/nanogit-core/gitcore/objkind"
	"github.com/nanogit-core/gitcore/objstore"
	"github.com/nanogit-core/gitcore/objstore/memstore"
	"github.com/stretchr/testify/require"
)

func TestInsertHasOpen(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	id, err := s.Insert(ctx, objkind.TypeBlob, []byte("hello"))
	require.NoError(t, err)

	has, err := s.Has(ctx, id)
	require.NoError(t, err)
	require.True(t, has)

	opened, err := s.Open(ctx, id, objkind.TypeBlob)
	require.NoError(t, err)
	require.Equal(t, objkind.TypeBlob, opened.Type)
	require.Equal(t, int64(5), opened.Size)
}

func TestOpenWrongTypeFails(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	id, err := s.Insert(ctx, objkind.TypeBlob, []byte("hello"))
	require.NoError(t, err)

	_, err = s.Open(ctx, id, objkind.TypeTree)
	require.Error(t, err)
}

func TestRefResolveAndUpdate(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	id, err := s.Insert(ctx, objkind.TypeCommit, []byte("tree 1111111111111111111111111111111111111111\nauthor a <a@x> 1000 +0000\ncommitter a <a@x> 1000 +0000\n\nmsg\n"))
	require.NoError(t, err)

	_, err = s.Resolve(ctx, "refs/heads/main")
	require.ErrorIs(t, err, objstore.ErrRefNotFound)

	res, err := s.UpdateRef(ctx, "refs/heads/main", true, nil, id)
	require.NoError(t, err)
	require.Equal(t, objstore.RefUpdateOK, res)

	got, err := s.Resolve(ctx, "refs/heads/main")
	require.NoError(t, err)
	require.True(t, got.Is(id))
}

func TestUpdateRefLockFailure(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	id, err := s.Insert(ctx, objkind.TypeBlob, []byte("x"))
	require.NoError(t, err)

	res, err := s.UpdateRef(ctx, "refs/heads/main", true, id, id)
	require.NoError(t, err)
	require.Equal(t, objstore.RefUpdateLockFailure, res)
}

func TestBatchUpdateAtomicRollsBackAll(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	idA, _ := s.Insert(ctx, objkind.TypeBlob, []byte("a"))
	idB, _ := s.Insert(ctx, objkind.TypeBlob, []byte("b"))
	_, _ = s.UpdateRef(ctx, "refs/heads/a", false, nil, idA)

	cmds := []objstore.RefUpdateCommand{
		{Name: "refs/heads/a", OldID: idA, NewID: idB, ExpectOld: true},
		{Name: "refs/heads/b", OldID: idA, NewID: idB, ExpectOld: true}, // wrong old: fails
	}
	results, err := s.BatchUpdate(ctx, cmds, true)
	require.NoError(t, err)
	for _, r := range results {
		require.Equal(t, objstore.RefUpdateLockFailure, r)
	}

	got, err := s.Resolve(ctx, "refs/heads/a")
	require.NoError(t, err)
	require.True(t, got.Is(idA), "atomic batch must not partially apply")
}

func TestGetRefsByPrefixSortsLexicographically(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	id, _ := s.Insert(ctx, objkind.TypeBlob, []byte("x"))

	_, _ = s.UpdateRef(ctx, "refs/heads/zeta", false, nil, id)
	_, _ = s.UpdateRef(ctx, "refs/heads/alpha", false, nil, id)

	refs, err := s.GetRefsByPrefix(ctx, "refs/heads/")
	require.NoError(t, err)
	require.Len(t, refs, 2)
	require.Equal(t, "refs/heads/alpha", refs[0].Name)
	require.Equal(t, "refs/heads/zeta", refs[1].Name)
}

func TestPeelAnnotatedTag(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	commitID, err := s.Insert(ctx, objkind.TypeCommit, []byte("tree 1111111111111111111111111111111111111111\nauthor a <a@x> 1000 +0000\ncommitter a <a@x> 1000 +0000\n\nmsg\n"))
	require.NoError(t, err)

	tagBody := "object " + commitID.String() + "\ntype commit\ntag v1\ntagger a <a@x> 1000 +0000\n\nrelease\n"
	tagID, err := s.Insert(ctx, objkind.TypeTag, []byte(tagBody))
	require.NoError(t, err)

	_, err = s.UpdateRef(ctx, "refs/tags/v1", false, nil, tagID)
	require.NoError(t, err)

	peeled, err := s.Peel(ctx, "refs/tags/v1")
	require.NoError(t, err)
	require.True(t, peeled.ID.Is(tagID))
	require.True(t, peeled.Peeled.Is(commitID))
}

func TestParseCommitWalkerContract(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	parentID, err := s.Insert(ctx, objkind.TypeCommit, []byte("tree 1111111111111111111111111111111111111111\nauthor a <a@x> 1000 +0000\ncommitter a <a@x> 1000 +0000\n\nroot\n"))
	require.NoError(t, err)

	childBody := "tree 2222222222222222222222222222222222222222\nparent " + parentID.String() + "\nauthor a <a@x> 2000 +0000\ncommitter a <a@x> 2000 +0000\n\nchild\n"
	childID, err := s.Insert(ctx, objkind.TypeCommit, []byte(childBody))
	require.NoError(t, err)

	node, err := s.ParseCommit(ctx, childID)
	require.NoError(t, err)
	require.Equal(t, int64(2000), node.AuthorTime)
	require.Len(t, node.Parents, 1)
	require.True(t, node.Parents[0].Is(parentID))

	typ, err := s.ParseAny(ctx, childID)
	require.NoError(t, err)
	require.Equal(t, objkind.TypeCommit, typ)
}

func TestPackInserterSerializesSameHash(t *testing.T) {
	s := memstore.New()
	inserter := s.NewPackInserter()

	packHash := hash.MustFromHex("4444444444444444444444444444444444444444")
	lock, err := inserter.AcquireLock(context.Background(), packHash)
	require.NoError(t, err)

	_, err = lock.Write([]byte("PACK"))
	require.NoError(t, err)
	require.NoError(t, lock.Commit(context.Background()))

	// A second acquisition of the same pack hash must succeed once the
	// first lock is released (Commit unlocks it).
	lock2, err := inserter.AcquireLock(context.Background(), packHash)
	require.NoError(t, err)
	require.NoError(t, lock2.Abort(context.Background()))
}
