package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"hangouts-relay/internal/model"
)

const defaultOpTimeout = 5 * time.Second

type MongoConfig struct {
	URI       string
	Database  string
	OpTimeout time.Duration
	DeviceTTL time.Duration
}

// Mongo is the document-store HangoutStore: one document per user in the
// "users" collection. Every operation runs under a bounded timeout and any
// driver failure, timeouts included, surfaces as ErrStorageUnavailable.
type Mongo struct {
	client    *mongo.Client
	users     *mongo.Collection
	opTimeout time.Duration
	deviceTTL time.Duration
}

func NewMongo(ctx context.Context, cfg MongoConfig) (*Mongo, error) {
	if cfg.URI == "" {
		return nil, errors.New("mongo uri is required")
	}
	if cfg.Database == "" {
		return nil, errors.New("mongo database is required")
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaultOpTimeout
	}
	if cfg.DeviceTTL <= 0 {
		cfg.DeviceTTL = DefaultDeviceTTL
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	users := client.Database(cfg.Database).Collection("users")
	indexCtx, cancel := context.WithTimeout(ctx, cfg.OpTimeout)
	defer cancel()
	_, err = users.Indexes().CreateOne(indexCtx, mongo.IndexModel{
		Keys:    bson.D{{Key: "username", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ensure index: %w", err)
	}

	return &Mongo{
		client:    client,
		users:     users,
		opTimeout: cfg.OpTimeout,
		deviceTTL: cfg.DeviceTTL,
	}, nil
}

func (s *Mongo) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Mongo) op(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, op, err)
}

func (s *Mongo) EnsureUser(ctx context.Context, username, email string) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	_, err := s.users.UpdateOne(ctx,
		bson.M{"username": username},
		bson.M{"$setOnInsert": bson.M{
			"email":     email,
			"createdAt": time.Now().UnixMilli(),
		}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return storageErr("ensure user", err)
	}
	if email != "" {
		// Fill in the email for users first seen as counterparts.
		_, err = s.users.UpdateOne(ctx,
			bson.M{"username": username, "$or": bson.A{
				bson.M{"email": ""},
				bson.M{"email": bson.M{"$exists": false}},
			}},
			bson.M{"$set": bson.M{"email": email}},
		)
		if err != nil {
			return storageErr("ensure user email", err)
		}
	}
	return nil
}

func (s *Mongo) FindUser(ctx context.Context, username string) (model.User, bool, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	var u model.User
	err := s.users.FindOne(ctx, bson.M{"username": username}).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.User{}, false, nil
	}
	if err != nil {
		return model.User{}, false, storageErr("find user", err)
	}
	return u, true, nil
}

func (s *Mongo) RecordDevice(ctx context.Context, username, browserID string, nowMillis int64) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	res, err := s.users.UpdateOne(ctx,
		bson.M{"username": username, "browsers.browserId": browserID},
		bson.M{"$set": bson.M{"browsers.$.lastSeenAt": nowMillis}},
	)
	if err != nil {
		return storageErr("record device", err)
	}
	if res.MatchedCount == 0 {
		_, err = s.users.UpdateOne(ctx,
			bson.M{"username": username, "browsers.browserId": bson.M{"$ne": browserID}},
			bson.M{
				"$push":        bson.M{"browsers": model.Browser{BrowserID: browserID, LastSeenAt: nowMillis}},
				"$setOnInsert": bson.M{"createdAt": nowMillis},
			},
			options.Update().SetUpsert(true),
		)
		if err != nil {
			return storageErr("record device", err)
		}
	}

	cutoff := nowMillis - s.deviceTTL.Milliseconds()
	_, err = s.users.UpdateOne(ctx,
		bson.M{"username": username},
		bson.M{"$pull": bson.M{"browsers": bson.M{
			"browserId":  bson.M{"$ne": browserID},
			"lastSeenAt": bson.M{"$lt": cutoff},
		}}},
	)
	if err != nil {
		return storageErr("prune devices", err)
	}
	return nil
}

func (s *Mongo) AppendHangout(ctx context.Context, username string, h model.Hangout) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	res, err := s.users.UpdateOne(ctx,
		bson.M{"username": username, "hangouts.username": h.Username},
		bson.M{"$set": bson.M{"hangouts.$": h}},
	)
	if err != nil {
		return storageErr("append hangout", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}
	_, err = s.users.UpdateOne(ctx,
		bson.M{"username": username, "hangouts.username": bson.M{"$ne": h.Username}},
		bson.M{
			"$push":        bson.M{"hangouts": h},
			"$setOnInsert": bson.M{"createdAt": time.Now().UnixMilli()},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return storageErr("append hangout", err)
	}
	return nil
}

func (s *Mongo) EnqueueUndelivered(ctx context.Context, username, browserID string, h model.Hangout) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	entry := model.QueueEntry{ID: uuid.NewString(), Hangout: h}
	if browserID == "" {
		_, err := s.users.UpdateOne(ctx,
			bson.M{"username": username},
			bson.M{
				"$push":        bson.M{"undelivered": entry},
				"$setOnInsert": bson.M{"createdAt": time.Now().UnixMilli()},
			},
			options.Update().SetUpsert(true),
		)
		if err != nil {
			return storageErr("enqueue undelivered", err)
		}
		return nil
	}
	return s.enqueueDevice(ctx, username, browserID, "undelivered", entry)
}

func (s *Mongo) EnqueueDelayed(ctx context.Context, username, browserID string, h model.Hangout) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	entry := model.QueueEntry{ID: uuid.NewString(), Hangout: h}
	return s.enqueueDevice(ctx, username, browserID, "delayed", entry)
}

func (s *Mongo) enqueueDevice(ctx context.Context, username, browserID, queue string, entry model.QueueEntry) error {
	res, err := s.users.UpdateOne(ctx,
		bson.M{"username": username, "browsers.browserId": browserID},
		bson.M{"$push": bson.M{"browsers.$." + queue: entry}},
	)
	if err != nil {
		return storageErr("enqueue "+queue, err)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	// Device not recorded yet: upsert the browser record with the entry.
	browser := model.Browser{BrowserID: browserID}
	if queue == "delayed" {
		browser.Delayed = []model.QueueEntry{entry}
	} else {
		browser.Undelivered = []model.QueueEntry{entry}
	}
	_, err = s.users.UpdateOne(ctx,
		bson.M{"username": username, "browsers.browserId": bson.M{"$ne": browserID}},
		bson.M{
			"$push":        bson.M{"browsers": browser},
			"$setOnInsert": bson.M{"createdAt": time.Now().UnixMilli()},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return storageErr("enqueue "+queue, err)
	}
	return nil
}

func (s *Mongo) DrainUndelivered(ctx context.Context, username, browserID string) ([]model.Hangout, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	u, ok, err := s.findUser(ctx, username)
	if err != nil || !ok {
		return nil, err
	}

	snapshot := append([]model.QueueEntry(nil), u.Undelivered...)
	if len(snapshot) > 0 {
		_, err = s.users.UpdateOne(ctx,
			bson.M{"username": username},
			bson.M{"$pull": bson.M{"undelivered": bson.M{"id": bson.M{"$in": entryIDs(snapshot)}}}},
		)
		if err != nil {
			return nil, storageErr("drain undelivered", err)
		}
	}

	if b, okb := u.Browser(browserID); okb && len(b.Undelivered) > 0 {
		_, err = s.users.UpdateOne(ctx,
			bson.M{"username": username, "browsers.browserId": browserID},
			bson.M{"$pull": bson.M{"browsers.$.undelivered": bson.M{"id": bson.M{"$in": entryIDs(b.Undelivered)}}}},
		)
		if err != nil {
			return nil, storageErr("drain undelivered", err)
		}
		snapshot = append(snapshot, b.Undelivered...)
	}
	return hangouts(snapshot), nil
}

func (s *Mongo) DrainDelayed(ctx context.Context, username, browserID string) ([]model.Hangout, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	u, ok, err := s.findUser(ctx, username)
	if err != nil || !ok {
		return nil, err
	}

	b, okb := u.Browser(browserID)
	if !okb || len(b.Delayed) == 0 {
		return nil, nil
	}
	_, err = s.users.UpdateOne(ctx,
		bson.M{"username": username, "browsers.browserId": browserID},
		bson.M{"$pull": bson.M{"browsers.$.delayed": bson.M{"id": bson.M{"$in": entryIDs(b.Delayed)}}}},
	)
	if err != nil {
		return nil, storageErr("drain delayed", err)
	}
	return hangouts(b.Delayed), nil
}

func (s *Mongo) findUser(ctx context.Context, username string) (model.User, bool, error) {
	var u model.User
	err := s.users.FindOne(ctx, bson.M{"username": username}).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return model.User{}, false, nil
	}
	if err != nil {
		return model.User{}, false, storageErr("find user", err)
	}
	return u, true, nil
}

func entryIDs(entries []model.QueueEntry) []string {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	return ids
}
