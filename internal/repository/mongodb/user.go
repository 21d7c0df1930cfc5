package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/nkiryanov/gopherauth/internal/apperrors"
	"github.com/nkiryanov/gopherauth/internal/models"
)

// One document per user, refresh tokens are embedded
type userDoc struct {
	ID            string     `bson:"_id"`
	Email         string     `bson:"email"`
	Name          string     `bson:"name"`
	Password      string     `bson:"password"`
	CreatedAt     time.Time  `bson:"createdAt"`
	RefreshTokens []tokenDoc `bson:"refreshTokens"`
}

type tokenDoc struct {
	Token     string    `bson:"token"`
	CreatedAt time.Time `bson:"createdAt"`
}

func (d userDoc) toModel() (models.User, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return models.User{}, fmt.Errorf("bad user id %q: %w", d.ID, err)
	}

	return models.User{
		ID:             id,
		CreatedAt:      d.CreatedAt,
		Email:          d.Email,
		Name:           d.Name,
		HashedPassword: d.Password,
	}, nil
}

type UserRepo struct {
	users *mongo.Collection
}

func (r *UserRepo) CreateUser(ctx context.Context, email string, name string, hashedPassword string) (models.User, error) {
	doc := userDoc{
		ID:            uuid.NewString(),
		Email:         email,
		Name:          name,
		Password:      hashedPassword,
		CreatedAt:     time.Now().UTC().Truncate(time.Millisecond), // mongo keeps milliseconds only
		RefreshTokens: []tokenDoc{},
	}

	_, err := r.users.InsertOne(ctx, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return models.User{}, apperrors.ErrDuplicateEmail
		}
		return models.User{}, fmt.Errorf("db error: %w", err)
	}

	return doc.toModel()
}

func (r *UserRepo) GetUserByID(ctx context.Context, id uuid.UUID) (models.User, error) {
	return r.findOne(ctx, bson.D{{Key: "_id", Value: id.String()}})
}

func (r *UserRepo) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	return r.findOne(ctx, bson.D{{Key: "email", Value: email}})
}

func (r *UserRepo) findOne(ctx context.Context, filter bson.D) (models.User, error) {
	var doc userDoc
	err := r.users.FindOne(ctx, filter).Decode(&doc)

	switch {
	case err == nil:
		return doc.toModel()
	case errors.Is(err, mongo.ErrNoDocuments):
		return models.User{}, apperrors.ErrUserNotFound
	default:
		return models.User{}, fmt.Errorf("db error: %w", err)
	}
}
