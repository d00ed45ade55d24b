package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dimitrisdogiamas/E-com-sub000/internal/domain"
)

type MongoStore struct {
	coll *mongo.Collection
}

func NewMongoClient(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	return client, nil
}

func NewMongoStore(coll *mongo.Collection) *MongoStore {
	return &MongoStore{coll: coll}
}

// EnsureIndexes creates the room history and participant indexes.
func (r *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "room_id", Value: 1}, {Key: "timestamp", Value: 1}},
			Options: options.Index().SetName("room_ts_idx"),
		},
		{
			Keys:    bson.D{{Key: "sender_id", Value: 1}},
			Options: options.Index().SetName("sender_idx"),
		},
		{
			Keys:    bson.D{{Key: "receiver_id", Value: 1}},
			Options: options.Index().SetName("receiver_idx").SetSparse(true),
		},
	})
	return err
}

// Create is an upsert with $setOnInsert so a retried insert is harmless.
func (r *MongoStore) Create(ctx context.Context, m *domain.Message) error {
	filter := bson.M{"_id": m.ID}
	update := bson.M{"$setOnInsert": m}
	_, err := r.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

func (r *MongoStore) FindByID(ctx context.Context, id string) (*domain.Message, error) {
	var m domain.Message
	if err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&m); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

func (r *MongoStore) UpdateBody(ctx context.Context, id, body string, editedAt time.Time, ifVersion *int64) (*domain.Message, error) {
	filter := bson.M{"_id": id, "deleted_at": nil}
	if ifVersion != nil {
		filter["version"] = *ifVersion
	}
	update := bson.M{
		"$set": bson.M{"body": body, "edited_at": editedAt},
		"$inc": bson.M{"version": 1},
	}
	m, err := r.findAndUpdate(ctx, filter, update)
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return m, err
	}

	// nothing matched: tell a missing or deleted row apart from a lost version race
	cur, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Deleted() {
		return nil, domain.ErrNotFound
	}
	return nil, domain.ErrStaleEdit
}

func (r *MongoStore) SoftDelete(ctx context.Context, id string, at time.Time) (*domain.Message, error) {
	m, err := r.findAndUpdate(ctx,
		bson.M{"_id": id, "deleted_at": nil},
		bson.M{"$set": bson.M{"deleted_at": at}},
	)
	if errors.Is(err, mongo.ErrNoDocuments) {
		// already deleted, or never existed
		return r.FindByID(ctx, id)
	}
	return m, err
}

func (r *MongoStore) MarkRead(ctx context.Context, id string) (*domain.Message, error) {
	m, err := r.findAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"is_read": true}})
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	return m, err
}

func (r *MongoStore) ListByRoom(ctx context.Context, roomID string, limit, offset int) ([]*domain.Message, error) {
	filter := bson.M{"room_id": roomID, "deleted_at": nil}
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))
	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	out := []*domain.Message{}
	for cur.Next(ctx) {
		var m domain.Message
		if err := cur.Decode(&m); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, cur.Err()
}

func (r *MongoStore) ConversationsFor(ctx context.Context, userID string) ([]string, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{
			"deleted_at": nil,
			"$or":        bson.A{bson.M{"sender_id": userID}, bson.M{"receiver_id": userID}},
		}}},
		{{Key: "$group", Value: bson.M{"_id": "$room_id", "last": bson.M{"$max": "$timestamp"}}}},
		{{Key: "$sort", Value: bson.D{{Key: "last", Value: -1}, {Key: "_id", Value: 1}}}},
	}
	cur, err := r.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	rooms := []string{}
	for cur.Next(ctx) {
		var row struct {
			Room string `bson:"_id"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, err
		}
		rooms = append(rooms, row.Room)
	}
	return rooms, cur.Err()
}

func (r *MongoStore) findAndUpdate(ctx context.Context, filter, update bson.M) (*domain.Message, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var m domain.Message
	if err := r.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&m); err != nil {
		return nil, err
	}
	return &m, nil
}
