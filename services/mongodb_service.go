package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"meshprice/config"
	"meshprice/models"
)

var (
	_ PriceTier = (*MongoDBService)(nil)
	_ SeenStore = (*MongoDBService)(nil)
)

// MongoDBService is the cold price tier, the fallback seen-message store and
// the alert history log.
type MongoDBService struct {
	client  *mongo.Client
	db      *mongo.Database
	enabled bool
	logger  *zap.Logger
}

const (
	CollectionPriceSnapshots = "price_snapshots"
	CollectionSeenMessages   = "seen_messages"
	CollectionAlertHistory   = "alert_history"
)

var errMongoDisabled = fmt.Errorf("%w: mongodb not enabled", models.ErrCacheBackendUnavailable)

// priceDocument is the stored form of a cached price. Decimals are kept as
// strings so no precision is lost.
type priceDocument struct {
	Asset        string    `bson:"_id,omitempty"`
	Price        string    `bson:"price"`
	Blockchain   string    `bson:"blockchain"`
	Change24h    *string   `bson:"change_24h,omitempty"`
	Timestamp    time.Time `bson:"timestamp"`
	SourceNodeID string    `bson:"source_node_id"`
	UpdatedAt    time.Time `bson:"updated_at"`
}

type seenDocument struct {
	ID        string    `bson:"_id"`
	ExpiresAt time.Time `bson:"expires_at"`
}

// AlertRecord is one entry of the alert history collection.
type AlertRecord struct {
	Kind      string    `bson:"kind" json:"kind"`
	Message   string    `bson:"message" json:"message"`
	Delivered bool      `bson:"delivered" json:"delivered"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
}

func NewMongoDBService(cfg *config.Config, logger *zap.Logger) (*MongoDBService, error) {
	if !cfg.MongoDB.Enabled {
		logger.Info("mongodb is disabled in configuration")
		return &MongoDBService{enabled: false, logger: logger}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientOptions := options.Client().ApplyURI(cfg.MongoDB.URI)
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// Ping to verify connection
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	service := &MongoDBService{
		client:  client,
		db:      client.Database(cfg.MongoDB.Database),
		enabled: true,
		logger:  logger,
	}

	if err := service.createIndexes(ctx); err != nil {
		logger.Warn("failed to create mongodb indexes", zap.Error(err))
	}

	logger.Info("mongodb connected", zap.String("database", cfg.MongoDB.Database))
	return service, nil
}

func (m *MongoDBService) Enabled() bool {
	return m != nil && m.enabled
}

func (m *MongoDBService) createIndexes(ctx context.Context) error {
	if !m.enabled {
		return nil
	}

	// Seen messages expire on their own once expires_at passes
	_, err := m.db.Collection(CollectionSeenMessages).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetName("expires_at_ttl").SetExpireAfterSeconds(0),
	})
	if err != nil {
		return err
	}

	_, err = m.db.Collection(CollectionPriceSnapshots).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "timestamp", Value: -1}},
		Options: options.Index().SetName("timestamp_desc"),
	})
	if err != nil {
		return err
	}

	_, err = m.db.Collection(CollectionAlertHistory).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "timestamp", Value: -1}},
		Options: options.Index().SetName("timestamp_desc"),
	})
	return err
}

func (m *MongoDBService) Close() error {
	if !m.enabled || m.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

// ============================================
// Cold price tier
// ============================================

func (m *MongoDBService) Name() string { return "mongodb" }

func toPriceDocument(data models.CachedPriceData) priceDocument {
	doc := priceDocument{
		Asset:        data.Symbol,
		Price:        data.Price.String(),
		Blockchain:   data.Blockchain,
		Timestamp:    data.Timestamp.UTC(),
		SourceNodeID: data.SourceNodeID,
		UpdatedAt:    time.Now().UTC(),
	}
	if data.Change24h != nil {
		s := data.Change24h.String()
		doc.Change24h = &s
	}
	return doc
}

func (d priceDocument) cached() (models.CachedPriceData, error) {
	price, err := decimal.NewFromString(d.Price)
	if err != nil {
		return models.CachedPriceData{}, fmt.Errorf("decode stored price %s: %w", d.Asset, err)
	}
	data := models.CachedPriceData{
		PriceData: models.PriceData{
			Symbol:     d.Asset,
			Price:      price,
			Blockchain: d.Blockchain,
		},
		Timestamp:    d.Timestamp,
		SourceNodeID: d.SourceNodeID,
	}
	if d.Change24h != nil {
		change, err := decimal.NewFromString(*d.Change24h)
		if err != nil {
			return models.CachedPriceData{}, fmt.Errorf("decode stored change %s: %w", d.Asset, err)
		}
		data.Change24h = &change
	}
	return data, nil
}

func (m *MongoDBService) LoadPrice(ctx context.Context, asset string) (models.CachedPriceData, bool, error) {
	if !m.enabled {
		return models.CachedPriceData{}, false, errMongoDisabled
	}

	var doc priceDocument
	err := m.db.Collection(CollectionPriceSnapshots).FindOne(ctx, bson.M{"_id": asset}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return models.CachedPriceData{}, false, nil
	}
	if err != nil {
		return models.CachedPriceData{}, false, fmt.Errorf("find price %s: %w", asset, err)
	}

	data, err := doc.cached()
	if err != nil {
		return models.CachedPriceData{}, false, err
	}
	return data, true, nil
}

func (m *MongoDBService) LoadAllPrices(ctx context.Context) ([]models.CachedPriceData, error) {
	if !m.enabled {
		return nil, errMongoDisabled
	}

	cursor, err := m.db.Collection(CollectionPriceSnapshots).Find(ctx, bson.M{})
	if err != nil {
		return nil, fmt.Errorf("find prices: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []priceDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode prices: %w", err)
	}

	out := make([]models.CachedPriceData, 0, len(docs))
	for _, doc := range docs {
		data, err := doc.cached()
		if err != nil {
			m.logger.Warn("skipping undecodable stored price", zap.String("asset", doc.Asset), zap.Error(err))
			continue
		}
		out = append(out, data)
	}
	return out, nil
}

// priceUpsert returns the filter and replacement document for data. The
// filter only matches an older stored snapshot; the whole document is
// replaced so no field of the older snapshot survives.
func priceUpsert(data models.CachedPriceData) (bson.M, priceDocument) {
	doc := toPriceDocument(data)
	filter := bson.M{"_id": doc.Asset, "timestamp": bson.M{"$lt": doc.Timestamp}}
	return filter, doc
}

// SavePrice upserts the snapshot only when the stored one is older. When the
// stored snapshot is newer the filter misses, the upsert collides on _id and
// the write is dropped.
func (m *MongoDBService) SavePrice(ctx context.Context, data models.CachedPriceData) error {
	if !m.enabled {
		return nil
	}

	filter, doc := priceUpsert(data)
	opts := options.Replace().SetUpsert(true)

	_, err := m.db.Collection(CollectionPriceSnapshots).ReplaceOne(ctx, filter, doc, opts)
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("upsert price %s: %w", doc.Asset, err)
	}
	return nil
}

// ============================================
// Seen-message store
// ============================================

func (m *MongoDBService) SeenTTL(ctx context.Context, messageID string) (time.Duration, bool, error) {
	if !m.enabled {
		return 0, false, errMongoDisabled
	}

	now := time.Now().UTC()
	var doc seenDocument
	filter := bson.M{"_id": messageID, "expires_at": bson.M{"$gt": now}}
	err := m.db.Collection(CollectionSeenMessages).FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("find seen message: %w", err)
	}
	remaining := doc.ExpiresAt.Sub(now)
	if remaining <= 0 {
		return 0, false, nil
	}
	return remaining, true, nil
}

func (m *MongoDBService) MarkSeen(ctx context.Context, messageID string, ttl time.Duration) error {
	if !m.enabled {
		return nil
	}

	doc := seenDocument{ID: messageID, ExpiresAt: time.Now().UTC().Add(ttl)}
	opts := options.Update().SetUpsert(true)
	_, err := m.db.Collection(CollectionSeenMessages).UpdateOne(ctx, bson.M{"_id": messageID}, bson.M{"$set": doc}, opts)
	if err != nil {
		return fmt.Errorf("mark seen message: %w", err)
	}
	return nil
}

func (m *MongoDBService) LoadSeen(ctx context.Context) (map[string]time.Time, error) {
	if !m.enabled {
		return nil, errMongoDisabled
	}

	cursor, err := m.db.Collection(CollectionSeenMessages).Find(ctx, bson.M{"expires_at": bson.M{"$gt": time.Now().UTC()}})
	if err != nil {
		return nil, fmt.Errorf("find seen messages: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []seenDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode seen messages: %w", err)
	}

	out := make(map[string]time.Time, len(docs))
	for _, d := range docs {
		out[d.ID] = d.ExpiresAt
	}
	return out, nil
}

// ============================================
// Alert history
// ============================================

func (m *MongoDBService) InsertAlertHistory(ctx context.Context, record AlertRecord) error {
	if !m.enabled {
		return nil
	}
	_, err := m.db.Collection(CollectionAlertHistory).InsertOne(ctx, record)
	return err
}

func (m *MongoDBService) RecentAlerts(ctx context.Context, limit int64) ([]AlertRecord, error) {
	if !m.enabled {
		return nil, errMongoDisabled
	}

	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}}).SetLimit(limit)
	cursor, err := m.db.Collection(CollectionAlertHistory).Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var records []AlertRecord
	if err := cursor.All(ctx, &records); err != nil {
		return nil, err
	}
	return records, nil
}
