// Package chat looks up conversation membership in the chat service's
// store. Escrow uses it to check that both parties of a deal belong to the
// conversation the deal is negotiated in.
package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/mbd888/dealroom/internal/apperr"
)

var ErrConversationNotFound = apperr.New(apperr.NotFound, "conversation not found")

// Directory resolves conversation participants.
type Directory interface {
	Participants(ctx context.Context, conversationID string) ([]string, error)
}

// IsMember reports whether userID participates in the conversation.
func IsMember(ctx context.Context, d Directory, conversationID, userID string) (bool, error) {
	members, err := d.Participants(ctx, conversationID)
	if err != nil {
		return false, err
	}
	return slices.Contains(members, userID), nil
}

type conversation struct {
	Participants []string  `bson:"participants"`
	UpdatedAt    time.Time `bson:"updatedAt"`
}

// MongoDirectory reads the chat service's conversations collection.
type MongoDirectory struct {
	coll *mongo.Collection
}

// NewMongoDirectory creates a directory over db.conversations.
func NewMongoDirectory(db *mongo.Database) *MongoDirectory {
	return &MongoDirectory{coll: db.Collection("conversations")}
}

// ConnectMongo opens a client and verifies the connection.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return client, nil
}

func (m *MongoDirectory) Participants(ctx context.Context, conversationID string) ([]string, error) {
	var filter bson.M
	if oid, err := primitive.ObjectIDFromHex(conversationID); err == nil {
		filter = bson.M{"_id": oid}
	} else {
		filter = bson.M{"_id": conversationID}
	}

	var conv conversation
	err := m.coll.FindOne(ctx, filter,
		options.FindOne().SetProjection(bson.M{"participants": 1, "updatedAt": 1}),
	).Decode(&conv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", conversationID, err)
	}
	return conv.Participants, nil
}

// MemoryDirectory is an in-memory Directory for development and tests.
type MemoryDirectory struct {
	mu    sync.RWMutex
	convs map[string][]string
}

// NewMemoryDirectory creates an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{convs: make(map[string][]string)}
}

// Put sets the participants of a conversation.
func (m *MemoryDirectory) Put(conversationID string, participants ...string) {
	m.mu.Lock()
	m.convs[conversationID] = slices.Clone(participants)
	m.mu.Unlock()
}

func (m *MemoryDirectory) Participants(_ context.Context, conversationID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.convs[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return slices.Clone(p), nil
}

var (
	_ Directory = (*MongoDirectory)(nil)
	_ Directory = (*MemoryDirectory)(nil)
)
