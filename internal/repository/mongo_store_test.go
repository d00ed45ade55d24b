package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"

	"github.com/dimitrisdogiamas/E-com-sub000/internal/domain"
)

func messageDoc(id string, version int64, deleted bool) bson.D {
	d := bson.D{
		{Key: "_id", Value: id},
		{Key: "room_id", Value: "r1"},
		{Key: "sender_id", Value: "alice"},
		{Key: "body", Value: "hi"},
		{Key: "kind", Value: "text"},
		{Key: "timestamp", Value: t0},
		{Key: "is_read", Value: false},
		{Key: "version", Value: version},
	}
	if deleted {
		d = append(d, bson.E{Key: "deleted_at", Value: t0})
	}
	return d
}

func TestMongoStore(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	ctx := context.Background()

	ns := func(mt *mtest.T) string { return mt.Coll.Database().Name() + "." + mt.Coll.Name() }

	mt.Run("should find a message by id", func(mt *mtest.T) {
		req := require.New(mt)
		s := NewMongoStore(mt.Coll)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns(mt), mtest.FirstBatch, messageDoc("m1", 1, false)))

		m, err := s.FindByID(ctx, "m1")
		req.NoError(err)
		req.Equal("m1", m.ID)
		req.Equal("r1", m.RoomID)
		req.Equal(domain.KindText, m.Kind)
		req.True(m.Timestamp.Equal(t0))
	})

	mt.Run("should map no documents to not found", func(mt *mtest.T) {
		req := require.New(mt)
		s := NewMongoStore(mt.Coll)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns(mt), mtest.FirstBatch))

		_, err := s.FindByID(ctx, "ghost")
		req.True(errors.Is(err, domain.ErrNotFound))
	})

	mt.Run("should return the updated document after an edit", func(mt *mtest.T) {
		req := require.New(mt)
		s := NewMongoStore(mt.Coll)
		mt.AddMockResponses(bson.D{{Key: "ok", Value: 1}, {Key: "value", Value: messageDoc("m1", 2, false)}})

		m, err := s.UpdateBody(ctx, "m1", "hi", t0, lo.ToPtr(int64(1)))
		req.NoError(err)
		req.EqualValues(2, m.Version)
	})

	mt.Run("should report a lost version race as stale", func(mt *mtest.T) {
		req := require.New(mt)
		s := NewMongoStore(mt.Coll)
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(),
			mtest.CreateCursorResponse(0, ns(mt), mtest.FirstBatch, messageDoc("m1", 3, false)),
		)

		_, err := s.UpdateBody(ctx, "m1", "late", t0, lo.ToPtr(int64(1)))
		req.True(errors.Is(err, domain.ErrStaleEdit))
	})

	mt.Run("should report an edit of a deleted row as not found", func(mt *mtest.T) {
		req := require.New(mt)
		s := NewMongoStore(mt.Coll)
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(),
			mtest.CreateCursorResponse(0, ns(mt), mtest.FirstBatch, messageDoc("m1", 1, true)),
		)

		_, err := s.UpdateBody(ctx, "m1", "late", t0, nil)
		req.True(errors.Is(err, domain.ErrNotFound))
	})

	mt.Run("should return the stored row when deleting twice", func(mt *mtest.T) {
		req := require.New(mt)
		s := NewMongoStore(mt.Coll)
		mt.AddMockResponses(
			mtest.CreateSuccessResponse(),
			mtest.CreateCursorResponse(0, ns(mt), mtest.FirstBatch, messageDoc("m1", 1, true)),
		)

		m, err := s.SoftDelete(ctx, "m1", t0)
		req.NoError(err)
		req.True(m.Deleted())
	})

	mt.Run("should decode a history page", func(mt *mtest.T) {
		req := require.New(mt)
		s := NewMongoStore(mt.Coll)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns(mt), mtest.FirstBatch,
			messageDoc("m1", 1, false), messageDoc("m2", 1, false)))

		got, err := s.ListByRoom(ctx, "r1", 50, 0)
		req.NoError(err)
		req.Len(got, 2)
		req.Equal("m2", got[1].ID)
	})

	mt.Run("should decode the conversation aggregate", func(mt *mtest.T) {
		req := require.New(mt)
		s := NewMongoStore(mt.Coll)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, ns(mt), mtest.FirstBatch,
			bson.D{{Key: "_id", Value: "new"}, {Key: "last", Value: t0}},
			bson.D{{Key: "_id", Value: "old"}, {Key: "last", Value: t0}},
		))

		rooms, err := s.ConversationsFor(ctx, "alice")
		req.NoError(err)
		req.Equal([]string{"new", "old"}, rooms)
	})

	mt.Run("should surface write errors", func(mt *mtest.T) {
		req := require.New(mt)
		s := NewMongoStore(mt.Coll)
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{Code: 11600, Message: "interrupted"}))

		err := s.Create(ctx, msg("m1", "r1", "alice", "", t0))
		req.Error(err)
		req.False(errors.Is(err, domain.ErrNotFound))
	})
}
