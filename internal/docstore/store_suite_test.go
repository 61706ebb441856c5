// ABOUTME: Behaviour tests shared by every document store backend
// ABOUTME: Each backend test file runs runStoreSuite against its own constructor

package docstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()

	t.Run("InsertAndFindOne", func(t *testing.T) { testInsertAndFindOne(t, newStore(t)) })
	t.Run("FindOneNotFound", func(t *testing.T) { testFindOneNotFound(t, newStore(t)) })
	t.Run("DuplicateKey", func(t *testing.T) { testDuplicateKey(t, newStore(t)) })
	t.Run("FindManySortAndLimit", func(t *testing.T) { testFindManySortAndLimit(t, newStore(t)) })
	t.Run("FindManyTiesKeepInsertionOrder", func(t *testing.T) { testTiesKeepInsertionOrder(t, newStore(t)) })
	t.Run("UpdateOneSetAndInc", func(t *testing.T) { testUpdateOneSetAndInc(t, newStore(t)) })
	t.Run("UpdateMany", func(t *testing.T) { testUpdateMany(t, newStore(t)) })
	t.Run("ConcurrentIncrements", func(t *testing.T) { testConcurrentIncrements(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("InvalidQueries", func(t *testing.T) { testInvalidQueries(t, newStore(t)) })
}

func sessionDoc(id, owner string, updated time.Time) Document {
	return Document{
		FieldSessionID:    id,
		FieldOwnerUserID:  owner,
		FieldTitle:        "New Chat",
		FieldCreatedAt:    updated,
		FieldUpdatedAt:    updated,
		FieldMessageCount: 0,
		FieldIsActive:     true,
	}
}

func testInsertAndFindOne(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, s.InsertOne(ctx, Sessions, sessionDoc("s1", "anon_a", now)))

	doc, err := s.FindOne(ctx, Sessions, Filter{FieldSessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "anon_a", doc.String(FieldOwnerUserID))
	assert.Equal(t, "New Chat", doc.String(FieldTitle))
	assert.Equal(t, int64(0), doc.Int(FieldMessageCount))
	assert.True(t, doc.Bool(FieldIsActive))
	assert.True(t, now.Equal(doc.Time(FieldUpdatedAt)), "got %v", doc.Time(FieldUpdatedAt))

	// Returned documents are copies.
	doc[FieldTitle] = "mutated"
	again, err := s.FindOne(ctx, Sessions, Filter{FieldSessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, "New Chat", again.String(FieldTitle))
}

func testFindOneNotFound(t *testing.T, s Store) {
	_, err := s.FindOne(context.Background(), Users, Filter{FieldEmail: "nobody@example.com"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func testDuplicateKey(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	user := Document{FieldUserID: "u1", FieldEmail: "a@example.com", FieldCreatedAt: now}
	require.NoError(t, s.InsertOne(ctx, Users, user))

	err := s.InsertOne(ctx, Users, Document{FieldUserID: "u2", FieldEmail: "a@example.com", FieldCreatedAt: now})
	assert.ErrorIs(t, err, ErrDuplicateKey)

	err = s.InsertOne(ctx, Users, Document{FieldUserID: "u1", FieldEmail: "b@example.com", FieldCreatedAt: now})
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func testFindManySortAndLimit(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.InsertOne(ctx, Sessions, sessionDoc(fmt.Sprintf("s%d", i), "user-1", base.Add(time.Duration(i)*time.Minute))))
	}
	require.NoError(t, s.InsertOne(ctx, Sessions, sessionDoc("other", "user-2", base.Add(time.Hour))))

	docs, err := s.FindMany(ctx, Sessions, Filter{FieldOwnerUserID: "user-1"}, FindOptions{
		Sort:  []SortField{{Field: FieldUpdatedAt, Desc: true}},
		Limit: 3,
	})
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, "s4", docs[0].String(FieldSessionID))
	assert.Equal(t, "s3", docs[1].String(FieldSessionID))
	assert.Equal(t, "s2", docs[2].String(FieldSessionID))

	all, err := s.FindMany(ctx, Sessions, Filter{}, FindOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 6)
}

func testTiesKeepInsertionOrder(t *testing.T, s Store) {
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		require.NoError(t, s.InsertOne(ctx, Messages, Document{
			FieldMessageID: fmt.Sprintf("m%d", i),
			FieldSessionID: "s1",
			FieldRole:      "user",
			FieldContent:   fmt.Sprintf("msg %d", i),
			FieldTimestamp: ts,
		}))
	}

	docs, err := s.FindMany(ctx, Messages, Filter{FieldSessionID: "s1"}, FindOptions{
		Sort: []SortField{{Field: FieldTimestamp}},
	})
	require.NoError(t, err)
	require.Len(t, docs, 4)
	for i, doc := range docs {
		assert.Equal(t, fmt.Sprintf("m%d", i), doc.String(FieldMessageID))
	}

	newest, err := s.FindMany(ctx, Messages, Filter{FieldSessionID: "s1"}, FindOptions{
		Sort:        []SortField{{Field: FieldTimestamp, Desc: true}},
		Limit:       2,
		NewestFirst: true,
	})
	require.NoError(t, err)
	require.Len(t, newest, 2)
	assert.Equal(t, "m3", newest[0].String(FieldMessageID))
	assert.Equal(t, "m2", newest[1].String(FieldMessageID))
}

func testUpdateOneSetAndInc(t *testing.T, s Store) {
	ctx := context.Background()
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	later := created.Add(time.Hour)

	require.NoError(t, s.InsertOne(ctx, Sessions, sessionDoc("s1", "anon_a", created)))

	res, err := s.UpdateOne(ctx, Sessions, Filter{FieldSessionID: "s1"}, Patch{
		Set: map[string]any{FieldUpdatedAt: later},
		Inc: map[string]int64{FieldMessageCount: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Matched)

	doc, err := s.FindOne(ctx, Sessions, Filter{FieldSessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc.Int(FieldMessageCount))
	assert.True(t, later.Equal(doc.Time(FieldUpdatedAt)))
	assert.True(t, created.Equal(doc.Time(FieldCreatedAt)))

	res, err = s.UpdateOne(ctx, Sessions, Filter{FieldSessionID: "missing"}, Patch{Set: map[string]any{FieldTitle: "x"}})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Matched)
}

func testUpdateMany(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.InsertOne(ctx, Sessions, sessionDoc(fmt.Sprintf("a%d", i), "anon_x", now)))
	}
	require.NoError(t, s.InsertOne(ctx, Sessions, sessionDoc("b0", "anon_y", now)))

	res, err := s.UpdateMany(ctx, Sessions, Filter{FieldOwnerUserID: "anon_x"}, Patch{
		Set: map[string]any{FieldOwnerUserID: "user-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Matched)
	assert.Equal(t, int64(3), res.Modified)

	moved, err := s.FindMany(ctx, Sessions, Filter{FieldOwnerUserID: "user-1"}, FindOptions{})
	require.NoError(t, err)
	assert.Len(t, moved, 3)

	left, err := s.FindMany(ctx, Sessions, Filter{FieldOwnerUserID: "anon_x"}, FindOptions{})
	require.NoError(t, err)
	assert.Empty(t, left)

	untouched, err := s.FindOne(ctx, Sessions, Filter{FieldSessionID: "b0"})
	require.NoError(t, err)
	assert.Equal(t, "anon_y", untouched.String(FieldOwnerUserID))
}

func testConcurrentIncrements(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.InsertOne(ctx, Sessions, sessionDoc("s1", "anon_a", time.Now().UTC())))

	const workers = 10
	const perWorker = 5

	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, err := s.UpdateOne(ctx, Sessions, Filter{FieldSessionID: "s1"}, Patch{
					Inc: map[string]int64{FieldMessageCount: 1},
				})
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	doc, err := s.FindOne(ctx, Sessions, Filter{FieldSessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, int64(workers*perWorker), doc.Int(FieldMessageCount))
}

func testDelete(t *testing.T, s Store) {
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.InsertOne(ctx, Messages, Document{
			FieldMessageID: fmt.Sprintf("m%d", i),
			FieldSessionID: "s1",
			FieldRole:      "user",
			FieldContent:   "hi",
			FieldTimestamp: now,
		}))
	}

	n, err := s.DeleteOne(ctx, Messages, Filter{FieldSessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.DeleteMany(ctx, Messages, Filter{FieldSessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.DeleteMany(ctx, Messages, Filter{FieldSessionID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func testInvalidQueries(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.FindOne(ctx, Collection("nope"), Filter{})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = s.FindOne(ctx, Sessions, Filter{"bogus": "x"})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	err = s.InsertOne(ctx, Sessions, Document{FieldTitle: "no key"})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = s.UpdateOne(ctx, Sessions, Filter{FieldSessionID: "s1"}, Patch{})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = s.UpdateOne(ctx, Sessions, Filter{FieldSessionID: "s1"}, Patch{Inc: map[string]int64{FieldTitle: 1}})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = s.UpdateOne(ctx, Sessions, Filter{FieldSessionID: "s1"}, Patch{Set: map[string]any{FieldSessionID: "s2"}})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = s.FindMany(ctx, Sessions, Filter{}, FindOptions{Sort: []SortField{{Field: "bogus"}}})
	assert.ErrorIs(t, err, ErrInvalidQuery)
}
