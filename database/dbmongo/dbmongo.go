// Package dbmongo implements database.Store on MongoDB. The collection and
// field names are the subsystem's wire format: liveness rows live in
// userpresenceservers, connection rows in userpresencesessions, and the
// presence summary is a subdocument on the users collection.
package dbmongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/xerrors"

	"github.com/google/uuid"

	"github.com/presenced/presenced/database"
)

const (
	serversCollection  = "userpresenceservers"
	sessionsCollection = "userpresencesessions"
	usersCollection    = "users"
)

type Options struct {
	// URI is a standard MongoDB connection string.
	URI string
	// Database defaults to "presence".
	Database string
}

// New connects to the document store, verifies the connection and ensures the
// indexes the hot-path queries rely on: server lookups by ID and heartbeat
// age, session lookups by user, and user lookups by the presence summary's
// owning server.
func New(ctx context.Context, opts Options) (*DB, error) {
	if opts.URI == "" {
		return nil, xerrors.New("dbmongo: URI is required")
	}
	if opts.Database == "" {
		opts.Database = "presence"
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(opts.URI))
	if err != nil {
		return nil, xerrors.Errorf("connect %q: %w", opts.URI, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, xerrors.Errorf("ping: %w", err)
	}

	db := &DB{
		client:   client,
		servers:  client.Database(opts.Database).Collection(serversCollection),
		sessions: client.Database(opts.Database).Collection(sessionsCollection),
		users:    client.Database(opts.Database).Collection(usersCollection),
	}
	if err := db.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, xerrors.Errorf("ensure indexes: %w", err)
	}
	return db, nil
}

type DB struct {
	client   *mongo.Client
	servers  *mongo.Collection
	sessions *mongo.Collection
	users    *mongo.Collection
}

var _ database.Store = (*DB)(nil)

func (db *DB) ensureIndexes(ctx context.Context) error {
	_, err := db.servers.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "ping", Value: 1}}},
		{Keys: bson.D{{Key: "serverId", Value: 1}}, Options: options.Index().SetUnique(true)},
	})
	if err != nil {
		return xerrors.Errorf("create %s indexes: %w", serversCollection, err)
	}
	_, err = db.sessions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "userId", Value: 1}}},
	})
	if err != nil {
		return xerrors.Errorf("create %s indexes: %w", sessionsCollection, err)
	}
	_, err = db.users.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "presence.serverId", Value: 1}}},
	})
	if err != nil {
		return xerrors.Errorf("create %s indexes: %w", usersCollection, err)
	}
	return nil
}

// Close disconnects from the store.
func (db *DB) Close(ctx context.Context) error {
	return db.client.Disconnect(ctx)
}

type serverDoc struct {
	ServerID string    `bson:"serverId"`
	Ping     time.Time `bson:"ping"`
}

type sessionDoc struct {
	ID           string    `bson:"_id"`
	ServerID     string    `bson:"serverId"`
	UserID       string    `bson:"userId"`
	ConnectionID string    `bson:"connectionId"`
	CreatedAt    time.Time `bson:"createdAt"`
}

type presenceDoc struct {
	Status        string            `bson:"status"`
	UpdatedAt     time.Time         `bson:"updatedAt"`
	ServerID      string            `bson:"serverId"`
	ClientAddress string            `bson:"clientAddress,omitempty"`
	HTTPHeaders   map[string]string `bson:"httpHeaders,omitempty"`
}

func (db *DB) UpsertServer(ctx context.Context, arg database.UpsertServerParams) (database.Server, error) {
	_, err := db.servers.UpdateOne(ctx,
		bson.M{"serverId": arg.ID.String()},
		bson.M{"$set": bson.M{"ping": arg.LastSeenAt}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return database.Server{}, xerrors.Errorf("upsert server %s: %w", arg.ID, err)
	}
	return database.Server{ID: arg.ID, LastSeenAt: arg.LastSeenAt}, nil
}

func (db *DB) GetServersLastSeenBefore(ctx context.Context, before time.Time) ([]database.Server, error) {
	cursor, err := db.servers.Find(ctx, bson.M{"ping": bson.M{"$lt": before}})
	if err != nil {
		return nil, xerrors.Errorf("find stale servers: %w", err)
	}
	var docs []serverDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, xerrors.Errorf("decode stale servers: %w", err)
	}

	servers := make([]database.Server, 0, len(docs))
	for _, doc := range docs {
		id, err := uuid.Parse(doc.ServerID)
		if err != nil {
			return nil, xerrors.Errorf("parse server id %q: %w", doc.ServerID, err)
		}
		servers = append(servers, database.Server{ID: id, LastSeenAt: doc.Ping})
	}
	return servers, nil
}

func (db *DB) DeleteServer(ctx context.Context, id uuid.UUID) error {
	_, err := db.servers.DeleteOne(ctx, bson.M{"serverId": id.String()})
	if err != nil {
		return xerrors.Errorf("delete server %s: %w", id, err)
	}
	return nil
}

func (db *DB) InsertSession(ctx context.Context, arg database.InsertSessionParams) (database.Session, error) {
	session := database.Session{
		ID:           uuid.New(),
		ServerID:     arg.ServerID,
		UserID:       arg.UserID,
		ConnectionID: arg.ConnectionID,
		CreatedAt:    arg.CreatedAt,
	}
	_, err := db.sessions.InsertOne(ctx, sessionDoc{
		ID:           session.ID.String(),
		ServerID:     session.ServerID.String(),
		UserID:       session.UserID,
		ConnectionID: session.ConnectionID,
		CreatedAt:    session.CreatedAt,
	})
	if err != nil {
		return database.Session{}, xerrors.Errorf("insert session: %w", err)
	}
	return session, nil
}

func (db *DB) DeleteSessions(ctx context.Context, arg database.DeleteSessionsParams) error {
	_, err := db.sessions.DeleteMany(ctx, bson.M{
		"userId":       arg.UserID,
		"connectionId": arg.ConnectionID,
	})
	if err != nil {
		return xerrors.Errorf("delete sessions for user %q connection %q: %w", arg.UserID, arg.ConnectionID, err)
	}
	return nil
}

func (db *DB) DeleteSessionsByServerID(ctx context.Context, id uuid.UUID) ([]string, error) {
	filter := bson.M{"serverId": id.String()}

	// Collect the affected users before the bulk delete; rows inserted in
	// between are owned by a server that is still heartbeating and will be
	// re-aggregated by their own lifecycle hook.
	values, err := db.sessions.Distinct(ctx, "userId", filter)
	if err != nil {
		return nil, xerrors.Errorf("distinct users for server %s: %w", id, err)
	}
	userIDs := make([]string, 0, len(values))
	for _, value := range values {
		userID, ok := value.(string)
		if !ok {
			return nil, xerrors.Errorf("unexpected userId type %T", value)
		}
		userIDs = append(userIDs, userID)
	}

	if _, err := db.sessions.DeleteMany(ctx, filter); err != nil {
		return nil, xerrors.Errorf("delete sessions for server %s: %w", id, err)
	}
	return userIDs, nil
}

func (db *DB) CountSessionsByUserID(ctx context.Context, userID string) (int64, error) {
	count, err := db.sessions.CountDocuments(ctx, bson.M{"userId": userID})
	if err != nil {
		return 0, xerrors.Errorf("count sessions for user %q: %w", userID, err)
	}
	return count, nil
}

func (db *DB) UpdateUserPresence(ctx context.Context, arg database.UpdateUserPresenceParams) error {
	set := bson.M{
		"presence.status":    string(arg.Status),
		"presence.updatedAt": arg.UpdatedAt,
		"presence.serverId":  arg.ServerID.String(),
	}
	update := bson.M{"$set": set}
	if arg.SetConnection {
		if arg.ClientAddress == "" && len(arg.HTTPHeaders) == 0 {
			update["$unset"] = bson.M{
				"presence.clientAddress": "",
				"presence.httpHeaders":   "",
			}
		} else {
			set["presence.clientAddress"] = arg.ClientAddress
			set["presence.httpHeaders"] = arg.HTTPHeaders
		}
	}

	_, err := db.users.UpdateOne(ctx,
		bson.M{"_id": arg.UserID},
		update,
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return xerrors.Errorf("update presence for user %q: %w", arg.UserID, err)
	}
	return nil
}

func (db *DB) GetUserPresence(ctx context.Context, userID string) (database.Presence, error) {
	var doc struct {
		Presence *presenceDoc `bson:"presence"`
	}
	err := db.users.FindOne(ctx,
		bson.M{"_id": userID},
		options.FindOne().SetProjection(bson.M{"presence": 1}),
	).Decode(&doc)
	if xerrors.Is(err, mongo.ErrNoDocuments) {
		return database.Presence{}, database.ErrNotFound
	}
	if err != nil {
		return database.Presence{}, xerrors.Errorf("get presence for user %q: %w", userID, err)
	}
	if doc.Presence == nil {
		return database.Presence{}, database.ErrNotFound
	}

	serverID, err := uuid.Parse(doc.Presence.ServerID)
	if err != nil {
		return database.Presence{}, xerrors.Errorf("parse presence server id %q: %w", doc.Presence.ServerID, err)
	}
	return database.Presence{
		Status:        database.UserStatus(doc.Presence.Status),
		UpdatedAt:     doc.Presence.UpdatedAt,
		ServerID:      serverID,
		ClientAddress: doc.Presence.ClientAddress,
		HTTPHeaders:   doc.Presence.HTTPHeaders,
	}, nil
}
