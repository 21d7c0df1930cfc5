package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/nkiryanov/gopherauth/internal/apperrors"
	"github.com/nkiryanov/gopherauth/internal/models"
)

type RefreshTokenRepo struct {
	users *mongo.Collection
}

func (r *RefreshTokenRepo) Append(ctx context.Context, token models.RefreshToken) error {
	createdAt := token.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	update := bson.D{{Key: "$push", Value: bson.D{
		{Key: "refreshTokens", Value: tokenDoc{Token: token.Token, CreatedAt: createdAt.UTC()}},
	}}}

	res, err := r.users.UpdateOne(ctx, bson.D{{Key: "_id", Value: token.UserID.String()}}, update)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if res.MatchedCount == 0 {
		return apperrors.ErrUserNotFound
	}
	return nil
}

func (r *RefreshTokenRepo) Find(ctx context.Context, userID uuid.UUID, tokenString string) (models.RefreshToken, error) {
	filter := bson.D{
		{Key: "_id", Value: userID.String()},
		{Key: "refreshTokens.token", Value: tokenString},
	}
	opts := options.FindOne().SetProjection(bson.D{{Key: "refreshTokens.$", Value: 1}})

	var doc userDoc
	err := r.users.FindOne(ctx, filter, opts).Decode(&doc)

	switch {
	case errors.Is(err, mongo.ErrNoDocuments):
		return models.RefreshToken{}, fmt.Errorf("repo error: %w", apperrors.ErrRefreshTokenNotFound)
	case err != nil:
		return models.RefreshToken{}, fmt.Errorf("db error: %w", err)
	case len(doc.RefreshTokens) == 0:
		return models.RefreshToken{}, fmt.Errorf("repo error: %w", apperrors.ErrRefreshTokenNotFound)
	}

	return models.RefreshToken{
		UserID:    userID,
		Token:     doc.RefreshTokens[0].Token,
		CreatedAt: doc.RefreshTokens[0].CreatedAt,
	}, nil
}

// Remove token from every user holding it
// $pull is atomic per document: concurrent callers can't both see removed=true for one document
func (r *RefreshTokenRepo) Remove(ctx context.Context, tokenString string) (bool, error) {
	filter := bson.D{{Key: "refreshTokens.token", Value: tokenString}}
	update := bson.D{{Key: "$pull", Value: bson.D{
		{Key: "refreshTokens", Value: bson.D{{Key: "token", Value: tokenString}}},
	}}}

	res, err := r.users.UpdateMany(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return res.ModifiedCount > 0, nil
}

// Pull outdated tokens
// Returned count is number of modified users, not tokens: mongo doesn't report pulled elements
func (r *RefreshTokenRepo) DeleteCreatedBefore(ctx context.Context, before time.Time) (int64, error) {
	cond := bson.D{{Key: "createdAt", Value: bson.D{{Key: "$lt", Value: before.UTC()}}}}
	filter := bson.D{{Key: "refreshTokens", Value: bson.D{{Key: "$elemMatch", Value: cond}}}}
	update := bson.D{{Key: "$pull", Value: bson.D{{Key: "refreshTokens", Value: cond}}}}

	res, err := r.users.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return res.ModifiedCount, nil
}
