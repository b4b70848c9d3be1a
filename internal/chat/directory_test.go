package chat

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestMemoryDirectory(t *testing.T) {
	d := NewMemoryDirectory()
	d.Put("conv_1", "client_1", "vendor_1")

	ok, err := IsMember(context.Background(), d, "conv_1", "vendor_1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = IsMember(context.Background(), d, "conv_1", "stranger")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = d.Participants(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestMongoDirectory(t *testing.T) {
	uri := os.Getenv("MONGO_TEST_URL")
	if uri == "" {
		t.Skip("MONGO_TEST_URL not set, skipping integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, err := ConnectMongo(ctx, uri)
	require.NoError(t, err)
	defer func() { _ = client.Disconnect(context.Background()) }()

	db := client.Database("dealroom_test")
	defer func() { _ = db.Drop(context.Background()) }()

	oid := primitive.NewObjectID()
	_, err = db.Collection("conversations").InsertMany(ctx, []any{
		bson.M{"_id": oid, "participants": []string{"a", "b"}, "updatedAt": time.Now()},
		bson.M{"_id": "legacy-conv", "participants": []string{"c", "d"}},
	})
	require.NoError(t, err)

	dir := NewMongoDirectory(db)
	got, err := dir.Participants(ctx, oid.Hex())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, got)

	got, err = dir.Participants(ctx, "legacy-conv")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c", "d"}, got)

	_, err = dir.Participants(ctx, primitive.NewObjectID().Hex())
	assert.ErrorIs(t, err, ErrConversationNotFound)
}
