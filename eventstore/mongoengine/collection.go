package mongoengine

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// findOptions are the sort and paging parameters of a find command.
type findOptions struct {
	sort  bson.D
	skip  int64
	limit int64
}

// collection is the part of a MongoDB collection the engine uses.
type collection interface {
	Name() string
	InsertOne(ctx context.Context, document any) error
	Find(ctx context.Context, filter bson.D, opts findOptions) (*mongo.Cursor, error)
	Exists(ctx context.Context) (bool, error)
	CreateIndexes(ctx context.Context, models []mongo.IndexModel) error
}

// mongoCollection adapts a *mongo.Collection to collection.
type mongoCollection struct {
	coll *mongo.Collection
}

func (c mongoCollection) Name() string {
	return c.coll.Name()
}

func (c mongoCollection) InsertOne(ctx context.Context, document any) error {
	_, err := c.coll.InsertOne(ctx, document)
	return err
}

func (c mongoCollection) Find(ctx context.Context, filter bson.D, opts findOptions) (*mongo.Cursor, error) {
	findOpts := options.Find()
	if len(opts.sort) > 0 {
		findOpts.SetSort(opts.sort)
	}

	if opts.skip > 0 {
		findOpts.SetSkip(opts.skip)
	}

	if opts.limit > 0 {
		findOpts.SetLimit(opts.limit)
	}

	return c.coll.Find(ctx, filter, findOpts)
}

func (c mongoCollection) Exists(ctx context.Context) (bool, error) {
	names, err := c.coll.Database().ListCollectionNames(ctx, bson.D{{Key: "name", Value: c.coll.Name()}})
	if err != nil {
		return false, err
	}

	return len(names) > 0, nil
}

func (c mongoCollection) CreateIndexes(ctx context.Context, models []mongo.IndexModel) error {
	_, err := c.coll.Indexes().CreateMany(ctx, models)
	return err
}
