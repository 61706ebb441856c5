// ABOUTME: MongoDB implementation of the document Store using the official v2 driver
// ABOUTME: Creates collection indexes on startup and optionally runs multi-document transactions

package docstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoOptions configures a MongoStore.
type MongoOptions struct {
	URI      string
	Database string
	// Transactions enables WithTransaction. It needs a replica set or sharded cluster.
	Transactions bool
	// ConnectTimeout bounds the initial ping and index creation.
	ConnectTimeout time.Duration
}

// MongoStore implements Store (and Transactor when enabled) on MongoDB.
type MongoStore struct {
	client       *mongo.Client
	db           *mongo.Database
	transactions bool
	logger       *slog.Logger
}

// NewMongoStore connects, pings and ensures indexes for every collection.
func NewMongoStore(ctx context.Context, opts MongoOptions) (*MongoStore, error) {
	logger := slog.Default().With("component", "docstore")

	if opts.URI == "" {
		return nil, fmt.Errorf("%w: mongo uri is required", ErrInvalidQuery)
	}
	if opts.Database == "" {
		opts.Database = "ragchat"
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}

	client, err := mongo.Connect(options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w: %w", ErrUnavailable, err)
	}

	ctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging MongoDB: %w: %w", ErrUnavailable, err)
	}

	s := &MongoStore{
		client:       client,
		db:           client.Database(opts.Database),
		transactions: opts.Transactions,
		logger:       logger,
	}

	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("creating indexes: %w", err)
	}

	logger.Info("MongoDB document store initialized", "database", opts.Database, "transactions", opts.Transactions)
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	for name, schema := range schemas {
		var models []mongo.IndexModel
		for _, key := range schema.uniqueFields() {
			models = append(models, mongo.IndexModel{
				Keys:    bson.D{{Key: key, Value: 1}},
				Options: options.Index().SetUnique(true),
			})
		}
		for _, idx := range schema.indexes {
			keys := bson.D{}
			for _, f := range idx {
				keys = append(keys, bson.E{Key: f.Field, Value: sortDirection(f)})
			}
			models = append(models, mongo.IndexModel{Keys: keys})
		}
		if _, err := s.db.Collection(string(name)).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("%s: %w", name, s.wrapErr(ctx, err))
		}
	}
	return nil
}

// FindOne returns the first matching document in natural order.
func (s *MongoStore) FindOne(ctx context.Context, coll Collection, filter Filter) (Document, error) {
	docs, err := s.FindMany(ctx, coll, filter, FindOptions{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	return docs[0], nil
}

// FindMany returns matching documents ordered by opts.Sort, tie-broken by _id.
func (s *MongoStore) FindMany(ctx context.Context, coll Collection, filter Filter, opts FindOptions) ([]Document, error) {
	schema, filter, err := prepareMongo(coll, filter)
	if err != nil {
		return nil, err
	}
	if err := schema.validateSort(opts.Sort); err != nil {
		return nil, err
	}

	// ObjectIDs are generated in insertion order, so _id breaks ties.
	sort := bson.D{}
	for _, f := range opts.Sort {
		sort = append(sort, bson.E{Key: f.Field, Value: sortDirection(f)})
	}
	idOrder := 1
	if opts.NewestFirst {
		idOrder = -1
	}
	sort = append(sort, bson.E{Key: "_id", Value: idOrder})

	findOpts := options.Find().SetSort(sort)
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}

	cursor, err := s.db.Collection(string(coll)).Find(ctx, toBSON(filter), findOpts)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", coll, s.wrapErr(ctx, err))
	}

	var raw []bson.M
	if err := cursor.All(ctx, &raw); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", coll, s.wrapErr(ctx, err))
	}

	docs := make([]Document, 0, len(raw))
	for _, m := range raw {
		doc, err := fromBSON(schema, m)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// InsertOne inserts doc with a driver-generated _id.
func (s *MongoStore) InsertOne(ctx context.Context, coll Collection, doc Document) error {
	schema, err := schemaFor(coll)
	if err != nil {
		return err
	}
	doc, err = schema.normalizeDocument(doc)
	if err != nil {
		return err
	}
	if _, err := s.db.Collection(string(coll)).InsertOne(ctx, bson.M(doc)); err != nil {
		return fmt.Errorf("inserting into %s: %w", coll, s.wrapErr(ctx, err))
	}
	return nil
}

// UpdateOne applies patch to one matching document.
func (s *MongoStore) UpdateOne(ctx context.Context, coll Collection, filter Filter, patch Patch) (UpdateResult, error) {
	schema, filter, err := prepareMongo(coll, filter)
	if err != nil {
		return UpdateResult{}, err
	}
	patch, err = schema.normalizePatch(patch)
	if err != nil {
		return UpdateResult{}, err
	}
	res, err := s.db.Collection(string(coll)).UpdateOne(ctx, toBSON(filter), updateDocument(patch))
	if err != nil {
		return UpdateResult{}, fmt.Errorf("updating %s: %w", coll, s.wrapErr(ctx, err))
	}
	return UpdateResult{Matched: res.MatchedCount, Modified: res.ModifiedCount}, nil
}

// UpdateMany applies patch to every matching document.
func (s *MongoStore) UpdateMany(ctx context.Context, coll Collection, filter Filter, patch Patch) (UpdateResult, error) {
	schema, filter, err := prepareMongo(coll, filter)
	if err != nil {
		return UpdateResult{}, err
	}
	patch, err = schema.normalizePatch(patch)
	if err != nil {
		return UpdateResult{}, err
	}
	res, err := s.db.Collection(string(coll)).UpdateMany(ctx, toBSON(filter), updateDocument(patch))
	if err != nil {
		return UpdateResult{}, fmt.Errorf("updating %s: %w", coll, s.wrapErr(ctx, err))
	}
	return UpdateResult{Matched: res.MatchedCount, Modified: res.ModifiedCount}, nil
}

// DeleteOne removes one matching document.
func (s *MongoStore) DeleteOne(ctx context.Context, coll Collection, filter Filter) (int64, error) {
	_, filter, err := prepareMongo(coll, filter)
	if err != nil {
		return 0, err
	}
	res, err := s.db.Collection(string(coll)).DeleteOne(ctx, toBSON(filter))
	if err != nil {
		return 0, fmt.Errorf("deleting from %s: %w", coll, s.wrapErr(ctx, err))
	}
	return res.DeletedCount, nil
}

// DeleteMany removes every matching document.
func (s *MongoStore) DeleteMany(ctx context.Context, coll Collection, filter Filter) (int64, error) {
	_, filter, err := prepareMongo(coll, filter)
	if err != nil {
		return 0, err
	}
	res, err := s.db.Collection(string(coll)).DeleteMany(ctx, toBSON(filter))
	if err != nil {
		return 0, fmt.Errorf("deleting from %s: %w", coll, s.wrapErr(ctx, err))
	}
	return res.DeletedCount, nil
}

// WithTransaction runs fn in a MongoDB session transaction. It returns
// ErrTransactionsUnsupported when transactions were not enabled.
func (s *MongoStore) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	if !s.transactions {
		return ErrTransactionsUnsupported
	}

	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("starting session: %w", s.wrapErr(ctx, err))
	}
	defer session.EndSession(context.Background())

	_, err = session.WithTransaction(ctx, func(txCtx context.Context) (any, error) {
		return nil, fn(txCtx, s)
	})
	return err
}

// Ping checks the primary is reachable.
func (s *MongoStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("pinging MongoDB: %w", s.wrapErr(ctx, err))
	}
	return nil
}

// Close disconnects the client.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) wrapErr(ctx context.Context, err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateKey
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

func prepareMongo(coll Collection, filter Filter) (*collectionSchema, Filter, error) {
	schema, err := schemaFor(coll)
	if err != nil {
		return nil, nil, err
	}
	filter, err = schema.normalizeFilter(filter)
	if err != nil {
		return nil, nil, err
	}
	return schema, filter, nil
}

func sortDirection(f SortField) int {
	if f.Desc {
		return -1
	}
	return 1
}

func toBSON(filter Filter) bson.M {
	m := make(bson.M, len(filter))
	for k, v := range filter {
		m[k] = v
	}
	return m
}

func updateDocument(p Patch) bson.M {
	update := bson.M{}
	if len(p.Set) > 0 {
		set := bson.M{}
		for k, v := range p.Set {
			set[k] = v
		}
		update["$set"] = set
	}
	if len(p.Inc) > 0 {
		inc := bson.M{}
		for k, v := range p.Inc {
			inc[k] = v
		}
		update["$inc"] = inc
	}
	return update
}

// fromBSON converts driver types back into normalized document values.
func fromBSON(schema *collectionSchema, m bson.M) (Document, error) {
	doc := make(Document, len(m))
	for k, v := range m {
		if k == "_id" || v == nil {
			continue
		}
		if dt, ok := v.(bson.DateTime); ok {
			v = dt.Time()
		}
		nv, err := schema.normalizeValue(k, v)
		if err != nil {
			return nil, err
		}
		doc[k] = nv
	}
	return doc, nil
}

var _ Transactor = (*MongoStore)(nil)
