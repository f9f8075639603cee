package equipment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

var repoNow = time.Date(2026, 4, 2, 14, 0, 0, 0, time.UTC)

func newMockRepo(mt *mtest.T) *MongoRepository {
	r := NewMongoRepository(mt.DB)
	r.now = func() time.Time { return repoNow }
	return r
}

func ns(mt *mtest.T) string {
	return mt.DB.Name() + ".equipment"
}

func toDoc(t testing.TB, v interface{}) bson.D {
	t.Helper()
	raw, err := bson.Marshal(v)
	require.NoError(t, err)
	var doc bson.D
	require.NoError(t, bson.Unmarshal(raw, &doc))
	return doc
}

func countResponse(mt *mtest.T, n int32) bson.D {
	return mtest.CreateCursorResponse(0, ns(mt), mtest.FirstBatch, bson.D{{Key: "n", Value: n}})
}

func switchEntry() *Equipment {
	return &Equipment{
		ID:        primitive.NewObjectID(),
		OrgID:     "org-1",
		Vendor:    "Cisco",
		Model:     "C9300-48P",
		Category:  CategorySwitch,
		PortCount: 52,
		RackUnits: 1,
	}
}

func TestMongoRepositoryCreate(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("assigns identity", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse())
		e := &Equipment{OrgID: "org-1", Vendor: "Cisco", Model: "ISR4331", Category: CategoryRouter}
		require.NoError(mt, newMockRepo(mt).Create(context.Background(), e))
		assert.False(mt, e.ID.IsZero())
		assert.Equal(mt, repoNow, e.CreatedAt)
		assert.Equal(mt, repoNow, e.UpdatedAt)
	})

	mt.Run("duplicate vendor and model", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{Code: 11000, Message: "E11000 duplicate key"}))
		err := newMockRepo(mt).Create(context.Background(), switchEntry())
		assert.ErrorIs(mt, err, ErrDuplicate)
	})
}

func TestMongoRepositoryGet(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("found with datasheet", func(mt *mtest.T) {
		stored := switchEntry()
		stored.DatasheetKey = DatasheetKey("org-1", stored.HexID())
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns(mt), mtest.FirstBatch, toDoc(mt, stored)))

		e, err := newMockRepo(mt).Get(context.Background(), "org-1", stored.HexID())
		require.NoError(mt, err)
		assert.Equal(mt, "C9300-48P", e.Model)
		assert.True(mt, e.HasDatasheet)
	})

	mt.Run("missing", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns(mt), mtest.FirstBatch))
		_, err := newMockRepo(mt).Get(context.Background(), "org-1", primitive.NewObjectID().Hex())
		assert.ErrorIs(mt, err, ErrNotFound)
	})

	mt.Run("malformed id", func(mt *mtest.T) {
		_, err := newMockRepo(mt).Get(context.Background(), "org-1", "not-an-id")
		assert.ErrorIs(mt, err, ErrNotFound)
	})
}

func TestMongoRepositoryGetMany(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("keys by id", func(mt *mtest.T) {
		a, b := switchEntry(), switchEntry()
		b.Model = "C9200L-24T"
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns(mt), mtest.FirstBatch, toDoc(mt, a), toDoc(mt, b)))

		got, err := newMockRepo(mt).GetMany(context.Background(), "org-1", []string{a.HexID(), b.HexID(), "bogus"})
		require.NoError(mt, err)
		require.Len(mt, got, 2)
		assert.Equal(mt, "C9200L-24T", got[b.HexID()].Model)
	})

	mt.Run("no valid ids skips the query", func(mt *mtest.T) {
		got, err := newMockRepo(mt).GetMany(context.Background(), "org-1", []string{"bogus"})
		require.NoError(mt, err)
		assert.Empty(mt, got)
	})
}

func TestMongoRepositoryList(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("pages", func(mt *mtest.T) {
		a := switchEntry()
		mt.AddMockResponses(
			countResponse(mt, 3),
			mtest.CreateCursorResponse(0, ns(mt), mtest.FirstBatch, toDoc(mt, a)),
		)
		res, err := newMockRepo(mt).List(context.Background(), "org-1", Filter{}, Page{Limit: 1, Offset: 2})
		require.NoError(mt, err)
		assert.Equal(mt, int64(3), res.Total)
		assert.Equal(mt, 1, res.Limit)
		assert.Equal(mt, 2, res.Offset)
		require.Len(mt, res.Items, 1)
	})

	mt.Run("empty page is not nil", func(mt *mtest.T) {
		mt.AddMockResponses(countResponse(mt, 0), mtest.CreateCursorResponse(0, ns(mt), mtest.FirstBatch))
		res, err := newMockRepo(mt).List(context.Background(), "org-1", Filter{}, Page{})
		require.NoError(mt, err)
		assert.NotNil(mt, res.Items)
		assert.Equal(mt, defaultPageSize, res.Limit)
	})
}

func TestListQuery(t *testing.T) {
	q := listQuery("org-1", Filter{Vendor: "Palo Alto", Category: CategoryFirewall, Search: "pa-3.10"})
	assert.Equal(t, "org-1", q["org_id"])
	assert.Equal(t, primitive.Regex{Pattern: `^Palo Alto$`, Options: "i"}, q["vendor"])
	assert.Equal(t, CategoryFirewall, q["category"])

	or, ok := q["$or"].(bson.A)
	require.True(t, ok)
	require.Len(t, or, 3)
	assert.Equal(t, bson.M{"model": primitive.Regex{Pattern: `pa-3\.10`, Options: "i"}}, or[1])

	bare := listQuery("org-1", Filter{})
	assert.Len(t, bare, 1)
}

func TestClampPage(t *testing.T) {
	assert.Equal(t, Page{Limit: defaultPageSize}, ClampPage(Page{}))
	assert.Equal(t, Page{Limit: maxPageSize, Offset: 0}, ClampPage(Page{Limit: 5000, Offset: -3}))
	assert.Equal(t, Page{Limit: 10, Offset: 20}, ClampPage(Page{Limit: 10, Offset: 20}))
}

func TestMongoRepositoryUpdate(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("updates", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}, bson.E{Key: "nModified", Value: 1}))
		e := switchEntry()
		require.NoError(mt, newMockRepo(mt).Update(context.Background(), e))
		assert.Equal(mt, repoNow, e.UpdatedAt)
	})

	mt.Run("gone", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}, bson.E{Key: "nModified", Value: 0}))
		assert.ErrorIs(mt, newMockRepo(mt).Update(context.Background(), switchEntry()), ErrNotFound)
	})

	mt.Run("rename onto an existing model", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{Code: 11000, Message: "E11000 duplicate key"}))
		assert.ErrorIs(mt, newMockRepo(mt).Update(context.Background(), switchEntry()), ErrDuplicate)
	})
}

func TestMongoRepositorySetDatasheetAndDelete(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("set datasheet", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}, bson.E{Key: "nModified", Value: 1}))
		id := primitive.NewObjectID().Hex()
		require.NoError(mt, newMockRepo(mt).SetDatasheet(context.Background(), "org-1", id, DatasheetKey("org-1", id)))
	})

	mt.Run("set datasheet on missing entry", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}))
		err := newMockRepo(mt).SetDatasheet(context.Background(), "org-1", primitive.NewObjectID().Hex(), "k")
		assert.ErrorIs(mt, err, ErrNotFound)
	})

	mt.Run("delete", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 1}))
		require.NoError(mt, newMockRepo(mt).Delete(context.Background(), "org-1", primitive.NewObjectID().Hex()))
	})

	mt.Run("delete missing", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{Key: "n", Value: 0}))
		err := newMockRepo(mt).Delete(context.Background(), "org-1", primitive.NewObjectID().Hex())
		assert.ErrorIs(mt, err, ErrNotFound)
	})
}

func TestMongoRepositoryUpsert(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	items := []Input{
		{Vendor: "Arista", Model: "7050SX3", Category: CategorySwitch},
		{Vendor: "Arista", Model: "7280R3", Category: CategorySwitch},
		{Vendor: "Juniper", Model: "MX204", Category: CategoryRouter},
	}

	mt.Run("counts created and updated", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 3},
			bson.E{Key: "nModified", Value: 1},
			bson.E{Key: "upserted", Value: bson.A{
				bson.D{{Key: "index", Value: 0}, {Key: "_id", Value: primitive.NewObjectID()}},
				bson.D{{Key: "index", Value: 2}, {Key: "_id", Value: primitive.NewObjectID()}},
			}},
		))
		res, err := newMockRepo(mt).Upsert(context.Background(), "org-1", "u1", items)
		require.NoError(mt, err)
		assert.Equal(mt, ImportResult{Created: 2, Updated: 1}, res)
	})

	mt.Run("nothing to write", func(mt *mtest.T) {
		res, err := newMockRepo(mt).Upsert(context.Background(), "org-1", "u1", nil)
		require.NoError(mt, err)
		assert.Zero(mt, res)
	})
}

func TestMongoRepositoryCounts(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("existing", func(mt *mtest.T) {
		mt.AddMockResponses(countResponse(mt, 2))
		n, err := newMockRepo(mt).CountExisting(context.Background(), "org-1", []Input{{Vendor: "a", Model: "b"}})
		require.NoError(mt, err)
		assert.Equal(mt, int64(2), n)
	})

	mt.Run("existing with no items", func(mt *mtest.T) {
		n, err := newMockRepo(mt).CountExisting(context.Background(), "org-1", nil)
		require.NoError(mt, err)
		assert.Zero(mt, n)
	})

	mt.Run("total", func(mt *mtest.T) {
		mt.AddMockResponses(countResponse(mt, 41))
		n, err := newMockRepo(mt).Count(context.Background(), "org-1")
		require.NoError(mt, err)
		assert.Equal(mt, int64(41), n)
	})
}
