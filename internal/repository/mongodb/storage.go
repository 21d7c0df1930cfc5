package mongodb

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/nkiryanov/gopherauth/internal/repository"
)

const (
	defaultDatabase = "auth"
	usersCollection = "users"
)

type Storage struct {
	users *mongo.Collection
}

// Create storage over the database and make sure indexes exist
func NewStorage(ctx context.Context, db *mongo.Database) (*Storage, error) {
	users := db.Collection(usersCollection)

	_, err := users.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "refreshTokens.token", Value: 1}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create indexes: %w", err)
	}

	return &Storage{users: users}, nil
}

func (s *Storage) User() repository.UserRepo {
	return &UserRepo{users: s.users}
}

func (s *Storage) Refresh() repository.RefreshTokenRepo {
	return &RefreshTokenRepo{users: s.users}
}

// Connect to mongodb and ping it
// Database name is taken from URI path, "auth" if empty
func Connect(ctx context.Context, uri string) (*mongo.Client, *mongo.Database, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("mongo connect: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("mongo ping: %w", err)
	}

	return client, client.Database(databaseName(uri)), nil
}

func databaseName(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return defaultDatabase
	}

	name := strings.Trim(u.Path, "/")
	if name == "" {
		return defaultDatabase
	}
	return name
}
