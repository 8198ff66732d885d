package mgo

import (
	"context"
	"time"

	"chatfleet/global/config"
	"chatfleet/module/chat/model"
	"chatfleet/tools/errs"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Connect opens a client and pings the primary.
func Connect(ctx context.Context, c config.MongoConfig) (*mongo.Client, error) {
	if c.URI == "" {
		return nil, errs.ErrArgs.WrapMsg("mongo uri is required")
	}
	opts := options.Client().ApplyURI(c.URI)
	if c.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(c.MaxPoolSize)
	}
	opts.SetServerSelectionTimeout(10 * time.Second)
	opts.SetAppName("chatfleet")

	cli, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errs.WrapMsg(err, "mongo connect", "uri", c.URI)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(pingCtx, nil); err != nil {
		_ = cli.Disconnect(context.Background())
		return nil, errs.WrapMsg(err, "mongo ping", "uri", c.URI)
	}
	return cli, nil
}

// Archive is the room message history, totally ordered by message id.
type Archive struct {
	coll *mongo.Collection
}

func NewArchive(coll *mongo.Collection) *Archive {
	return &Archive{coll: coll}
}

// EnsureIndexes creates the (chat_id, _id) index used by ListSince.
func (a *Archive) EnsureIndexes(ctx context.Context) error {
	_, err := a.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "chat_id", Value: 1}, {Key: "_id", Value: 1}},
	})
	return errs.WrapMsg(err, "create message index")
}

func (a *Archive) Save(ctx context.Context, m model.Message) error {
	if _, err := a.coll.InsertOne(ctx, m); err != nil {
		return errs.ErrStoreUnavailable.WrapMsg("archive message", "id", m.ID, "chatId", m.ChatID, "err", err)
	}
	return nil
}

// ListSince returns the messages of chatID created at or after since,
// oldest first. limit <= 0 means no limit.
func (a *Archive) ListSince(ctx context.Context, chatID int64, since time.Time, limit int64) ([]model.Message, error) {
	filter := bson.M{"chat_id": chatID}
	if !since.IsZero() {
		filter["created_at"] = bson.M{"$gte": since.UTC()}
	}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cur, err := a.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("list messages", "chatId", chatID, "err", err)
	}
	var out []model.Message
	if err := cur.All(ctx, &out); err != nil {
		return nil, errs.ErrStoreUnavailable.WrapMsg("decode messages", "chatId", chatID, "err", err)
	}
	return out, nil
}
