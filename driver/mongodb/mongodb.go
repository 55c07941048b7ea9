package mongodb

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"
	"unicode/utf8"

	"github.com/chronicleprotocol/go-lib/retry"
	"github.com/gobeaver/metafs"
	"github.com/gobeaver/metafs/internal/recordfs"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// fileDocument is one file or directory in the collection.
type fileDocument struct {
	Bucket      string            `bson:"bucket"`
	Path        string            `bson:"path"`
	Parent      string            `bson:"parent"`
	IsDir       bool              `bson:"is_dir"`
	Data        []byte            `bson:"data,omitempty"`
	Size        int64             `bson:"size"`
	ContentType string            `bson:"content_type,omitempty"`
	Metadata    map[string]string `bson:"metadata,omitempty"`
	Mtime       time.Time         `bson:"mtime"`
	Ctime       time.Time         `bson:"ctime"`
}

func (d *fileDocument) record() *recordfs.Record {
	return &recordfs.Record{
		Path:        d.Path,
		IsDir:       d.IsDir,
		Data:        d.Data,
		Size:        d.Size,
		ContentType: d.ContentType,
		Metadata:    d.Metadata,
		ModTime:     d.Mtime,
		Created:     d.Ctime,
	}
}

// Store keeps records in a MongoDB collection, one document per entry.
type Store struct {
	client     *mongo.Client
	collection *mongo.Collection
	bucket     string
}

// Config holds configuration for the mongodb store
type Config struct {
	URI        string
	Database   string
	Collection string
	Bucket     string
	// ConnectAttempts is how many times the first ping is tried (default 3).
	ConnectAttempts int
	DeleteMode      metafs.DeleteMode
	MaxFileSize     int64
	PollInterval    time.Duration
}

// Open connects, waits for the server and ensures the indexes exist.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Database == "" {
		cfg.Database = "metafs"
	}
	if cfg.Collection == "" {
		cfg.Collection = "files"
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "default"
	}
	if cfg.ConnectAttempts <= 0 {
		cfg.ConnectAttempts = 3
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	ping := func(ctx context.Context) error { return client.Ping(ctx, nil) }
	if err := retry.TryErr(ctx, ping, cfg.ConnectAttempts, time.Second); err != nil {
		client.Disconnect(context.Background())
		if ctx.Err() == nil {
			err = metafs.Unavailable(err)
		}
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	coll := client.Database(cfg.Database).Collection(cfg.Collection)
	_, err = coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "bucket", Value: 1}, {Key: "path", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "bucket", Value: 1}, {Key: "parent", Value: 1}},
		},
	})
	if err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to create indexes: %w", mapMongoError(err))
	}

	return &Store{client: client, collection: coll, bucket: cfg.Bucket}, nil
}

// New opens the store and wraps it as a metafs.FileSystem.
func New(ctx context.Context, cfg Config) (*recordfs.FS, error) {
	s, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return recordfs.New(s,
		recordfs.WithDeleteMode(cfg.DeleteMode),
		recordfs.WithMaxFileSize(cfg.MaxFileSize),
		recordfs.WithPollInterval(cfg.PollInterval),
	), nil
}

var withoutData = bson.D{{Key: "data", Value: 0}}

// Get implements recordfs.Store
func (s *Store) Get(ctx context.Context, p string, withData bool) (*recordfs.Record, error) {
	opts := options.FindOne()
	if !withData {
		opts.SetProjection(withoutData)
	}
	var doc fileDocument
	err := s.collection.FindOne(ctx, bson.M{"bucket": s.bucket, "path": p}, opts).Decode(&doc)
	if err != nil {
		return nil, mapMongoError(err)
	}
	return doc.record(), nil
}

// Put implements recordfs.Store with one ordered bulk upsert.
func (s *Store) Put(ctx context.Context, recs ...*recordfs.Record) error {
	models := make([]mongo.WriteModel, 0, len(recs))
	for _, r := range recs {
		doc := fileDocument{
			Bucket:      s.bucket,
			Path:        r.Path,
			Parent:      r.Parent(),
			IsDir:       r.IsDir,
			Data:        r.Data,
			Size:        r.Size,
			ContentType: r.ContentType,
			Metadata:    r.Metadata,
			Mtime:       r.ModTime,
			Ctime:       r.Created,
		}
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"bucket": s.bucket, "path": r.Path}).
			SetReplacement(doc).
			SetUpsert(true))
	}
	_, err := s.collection.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(true))
	return mapMongoError(err)
}

func (s *Store) find(ctx context.Context, filter bson.M, withData bool) ([]*recordfs.Record, error) {
	opts := options.Find().SetSort(bson.D{{Key: "path", Value: 1}})
	if !withData {
		opts.SetProjection(withoutData)
	}
	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, mapMongoError(err)
	}
	defer cursor.Close(ctx)

	var out []*recordfs.Record
	for cursor.Next(ctx) {
		var doc fileDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.record())
	}
	return out, mapMongoError(cursor.Err())
}

// Children implements recordfs.Store
func (s *Store) Children(ctx context.Context, dir string) ([]*recordfs.Record, error) {
	return s.find(ctx, bson.M{"bucket": s.bucket, "parent": dir}, false)
}

// Descendants implements recordfs.Store
func (s *Store) Descendants(ctx context.Context, dir string, withData bool) ([]*recordfs.Record, error) {
	return s.find(ctx, bson.M{"bucket": s.bucket, "path": bson.M{"$regex": subtreeRegex(dir)}}, withData)
}

func (s *Store) treeFilter(p string) bson.M {
	return bson.M{
		"bucket": s.bucket,
		"$or": bson.A{
			bson.M{"path": p},
			bson.M{"path": bson.M{"$regex": subtreeRegex(p)}},
		},
	}
}

// DeleteTree implements recordfs.Store
func (s *Store) DeleteTree(ctx context.Context, p string) error {
	result, err := s.collection.DeleteMany(ctx, s.treeFilter(p))
	if err != nil {
		return mapMongoError(err)
	}
	if result.DeletedCount == 0 {
		return metafs.ErrNotExist
	}
	return nil
}

// RenameTree implements recordfs.Store with a pipeline update, so the whole
// subtree is rewritten server side. $substrCP counts code points.
func (s *Store) RenameTree(ctx context.Context, src, dst string) error {
	offset := utf8.RuneCountInString(src)
	tail := func(field string) bson.D {
		return bson.D{{Key: "$substrCP", Value: bson.A{field, offset, bson.D{{Key: "$strLenCP", Value: field}}}}}
	}
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "path", Value: bson.D{{Key: "$concat", Value: bson.A{dst, tail("$path")}}}},
			{Key: "parent", Value: bson.D{{Key: "$cond", Value: bson.A{
				bson.D{{Key: "$eq", Value: bson.A{"$path", src}}},
				recordfs.Parent(dst),
				bson.D{{Key: "$concat", Value: bson.A{dst, tail("$parent")}}},
			}}}},
		}}},
	}
	result, err := s.collection.UpdateMany(ctx, s.treeFilter(src), update)
	if err != nil {
		return mapMongoError(err)
	}
	if result.MatchedCount == 0 {
		return metafs.ErrNotExist
	}
	return nil
}

// Close disconnects the client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// subtreeRegex matches every path strictly below dir.
func subtreeRegex(dir string) string {
	if dir == "" {
		return "^."
	}
	return "^" + regexp.QuoteMeta(dir+"/")
}

// mapMongoError maps driver errors to metafs errors
func mapMongoError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return metafs.ErrNotExist
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%w: %v", metafs.ErrExist, err)
	case mongo.IsNetworkError(err), errors.Is(err, mongo.ErrClientDisconnected), metafs.IsTransportError(err):
		return metafs.Unavailable(err)
	}
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		switch cmdErr.Code {
		case 13: // Unauthorized
			return fmt.Errorf("%w: %v", metafs.ErrPermission, err)
		case 18: // AuthenticationFailed
			return metafs.Unavailable(err)
		}
	}
	return err
}

var _ recordfs.Store = (*Store)(nil)
