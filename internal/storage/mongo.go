package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const headerDocID = "vault"

// MongoStore keeps one collection per record kind in a single database.
type MongoStore struct {
	uri    string
	dbName string

	mu     sync.RWMutex
	client *mongo.Client
	db     *mongo.Database
}

func NewMongoStore(uri, dbName string) *MongoStore {
	return &MongoStore{uri: uri, dbName: dbName}
}

func (m *MongoStore) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		return nil
	}
	if m.uri == "" {
		return errors.New("mongo uri is empty")
	}
	cli, err := mongo.Connect(ctx, options.Client().ApplyURI(m.uri))
	if err != nil {
		return err
	}
	// Verify connection quickly
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(pctx, nil); err != nil {
		_ = cli.Disconnect(ctx)
		return err
	}

	db := cli.Database(m.dbName)
	_, err = db.Collection("credentials").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "domain", Value: 1}},
	})
	if err != nil {
		_ = cli.Disconnect(ctx)
		return fmt.Errorf("create index: %w", err)
	}
	_, err = db.Collection("refresh_tokens").Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "expires_at", Value: 1}},
	})
	if err != nil {
		_ = cli.Disconnect(ctx)
		return fmt.Errorf("create index: %w", err)
	}

	m.client, m.db = cli, db
	return nil
}

func (m *MongoStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := m.client.Disconnect(ctx)
	m.client, m.db = nil, nil
	return err
}

func (m *MongoStore) coll(name string) (*mongo.Collection, func(), error) {
	m.mu.RLock()
	if m.db == nil {
		m.mu.RUnlock()
		return nil, nil, ErrClosed
	}
	return m.db.Collection(name), m.mu.RUnlock, nil
}

func mongoErr(err error) error {
	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return ErrNotFound
	case mongo.IsDuplicateKeyError(err):
		return ErrConflict
	}
	return err
}

func (m *MongoStore) GetHeader(ctx context.Context) ([]byte, error) {
	c, done, err := m.coll("header")
	if err != nil {
		return nil, err
	}
	defer done()
	var doc struct {
		Data []byte `bson:"data"`
	}
	if err := c.FindOne(ctx, bson.M{"_id": headerDocID}).Decode(&doc); err != nil {
		return nil, mongoErr(err)
	}
	return doc.Data, nil
}

func (m *MongoStore) PutHeader(ctx context.Context, header []byte) error {
	c, done, err := m.coll("header")
	if err != nil {
		return err
	}
	defer done()
	_, err = c.UpdateByID(ctx, headerDocID,
		bson.M{
			"$set":         bson.M{"data": header, "updatedAt": time.Now()},
			"$setOnInsert": bson.M{"createdAt": time.Now()},
		},
		options.Update().SetUpsert(true),
	)
	return err
}

func (m *MongoStore) PutCredential(ctx context.Context, cr Credential) error {
	c, done, err := m.coll("credentials")
	if err != nil {
		return err
	}
	defer done()
	_, err = c.InsertOne(ctx, cr)
	return mongoErr(err)
}

func (m *MongoStore) UpdateSecret(ctx context.Context, id string, secret []byte, updated int64) error {
	c, done, err := m.coll("credentials")
	if err != nil {
		return err
	}
	defer done()
	res, err := c.UpdateByID(ctx, id, bson.M{"$set": bson.M{"secret": secret, "updated": updated}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *MongoStore) GetCredential(ctx context.Context, id string) (Credential, error) {
	c, done, err := m.coll("credentials")
	if err != nil {
		return Credential{}, err
	}
	defer done()
	var cr Credential
	if err := c.FindOne(ctx, bson.M{"_id": id}).Decode(&cr); err != nil {
		return Credential{}, mongoErr(err)
	}
	return cr, nil
}

func (m *MongoStore) ListCredentials(ctx context.Context) ([]Credential, error) {
	c, done, err := m.coll("credentials")
	if err != nil {
		return nil, err
	}
	defer done()
	cur, err := c.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "created", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := []Credential{}
	for cur.Next(ctx) {
		var cr Credential
		if err := cur.Decode(&cr); err != nil {
			return nil, err
		}
		out = append(out, cr)
	}
	return out, cur.Err()
}

func (m *MongoStore) DeleteCredential(ctx context.Context, id string) error {
	c, done, err := m.coll("credentials")
	if err != nil {
		return err
	}
	defer done()
	res, err := c.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	for _, name := range []string{"pin_factors", "passkey_factors", "otp_factors"} {
		if _, err := m.db.Collection(name).DeleteOne(ctx, bson.M{"_id": id}); err != nil {
			return fmt.Errorf("cascade %s: %w", name, err)
		}
	}
	return nil
}

func (m *MongoStore) SetExtraAuth(ctx context.Context, id, kind string) error {
	c, done, err := m.coll("credentials")
	if err != nil {
		return err
	}
	defer done()
	res, err := c.UpdateByID(ctx, id, bson.M{"$set": bson.M{"extra_auth": kind, "updated": time.Now().Unix()}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *MongoStore) PutPin(ctx context.Context, p PinRecord) error {
	c, done, err := m.coll("pin_factors")
	if err != nil {
		return err
	}
	defer done()
	_, err = c.ReplaceOne(ctx, bson.M{"_id": p.CredentialID}, p, options.Replace().SetUpsert(true))
	return err
}

func (m *MongoStore) GetPin(ctx context.Context, id string) (PinRecord, error) {
	c, done, err := m.coll("pin_factors")
	if err != nil {
		return PinRecord{}, err
	}
	defer done()
	var p PinRecord
	if err := c.FindOne(ctx, bson.M{"_id": id}).Decode(&p); err != nil {
		return PinRecord{}, mongoErr(err)
	}
	return p, nil
}

func (m *MongoStore) DeletePin(ctx context.Context, id string) error {
	return m.deleteByID(ctx, "pin_factors", id)
}

func (m *MongoStore) PutPasskey(ctx context.Context, p PasskeyRecord) error {
	c, done, err := m.coll("passkey_factors")
	if err != nil {
		return err
	}
	defer done()
	_, err = c.InsertOne(ctx, p)
	return mongoErr(err)
}

func (m *MongoStore) GetPasskey(ctx context.Context, id string) (PasskeyRecord, error) {
	c, done, err := m.coll("passkey_factors")
	if err != nil {
		return PasskeyRecord{}, err
	}
	defer done()
	var p PasskeyRecord
	if err := c.FindOne(ctx, bson.M{"_id": id}).Decode(&p); err != nil {
		return PasskeyRecord{}, mongoErr(err)
	}
	return p, nil
}

func (m *MongoStore) DeletePasskey(ctx context.Context, id string) error {
	return m.deleteByID(ctx, "passkey_factors", id)
}

func (m *MongoStore) SwapChallenge(ctx context.Context, id string, next []byte) ([]byte, error) {
	c, done, err := m.coll("passkey_factors")
	if err != nil {
		return nil, err
	}
	defer done()
	var prev PasskeyRecord
	err = c.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"challenge": next}},
		options.FindOneAndUpdate().SetReturnDocument(options.Before),
	).Decode(&prev)
	if err != nil {
		return nil, mongoErr(err)
	}
	return prev.Challenge, nil
}

func (m *MongoStore) PutOTP(ctx context.Context, o OTPRecord) error {
	c, done, err := m.coll("otp_factors")
	if err != nil {
		return err
	}
	defer done()
	_, err = c.InsertOne(ctx, o)
	return mongoErr(err)
}

func (m *MongoStore) GetOTP(ctx context.Context, id string) (OTPRecord, error) {
	c, done, err := m.coll("otp_factors")
	if err != nil {
		return OTPRecord{}, err
	}
	defer done()
	var o OTPRecord
	if err := c.FindOne(ctx, bson.M{"_id": id}).Decode(&o); err != nil {
		return OTPRecord{}, mongoErr(err)
	}
	return o, nil
}

func (m *MongoStore) DeleteOTP(ctx context.Context, id string) error {
	return m.deleteByID(ctx, "otp_factors", id)
}

func (m *MongoStore) deleteByID(ctx context.Context, name, id string) error {
	c, done, err := m.coll(name)
	if err != nil {
		return err
	}
	defer done()
	_, err = c.DeleteOne(ctx, bson.M{"_id": id})
	return err
}

type refreshTokenDoc struct {
	Hash    string    `bson:"_id"`
	Expires time.Time `bson:"expires_at"`
}

func (m *MongoStore) PutRefreshToken(ctx context.Context, hash string, expires time.Time) error {
	c, done, err := m.coll("refresh_tokens")
	if err != nil {
		return err
	}
	defer done()
	_, err = c.ReplaceOne(ctx, bson.M{"_id": hash}, refreshTokenDoc{Hash: hash, Expires: expires},
		options.Replace().SetUpsert(true))
	return err
}

func (m *MongoStore) ConsumeRefreshToken(ctx context.Context, hash string, now time.Time) error {
	c, done, err := m.coll("refresh_tokens")
	if err != nil {
		return err
	}
	defer done()
	var doc refreshTokenDoc
	if err := c.FindOneAndDelete(ctx, bson.M{"_id": hash}).Decode(&doc); err != nil {
		return mongoErr(err)
	}
	if !now.Before(doc.Expires) {
		return ErrNotFound
	}
	return nil
}

func (m *MongoStore) ExpireRefreshTokens(ctx context.Context, now time.Time) error {
	c, done, err := m.coll("refresh_tokens")
	if err != nil {
		return err
	}
	defer done()
	_, err = c.UpdateMany(ctx,
		bson.M{"expires_at": bson.M{"$gt": now}},
		bson.M{"$set": bson.M{"expires_at": now}})
	return err
}
