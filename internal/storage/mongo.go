package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/example/ride-negotiator/internal/models"
)

const ridesCollection = "rides"

// rideDocument keeps a ride and its whole offer thread in one document, so
// every mutation is a single atomic UpdateOne guarded by the ride's version.
type rideDocument struct {
	models.Ride `bson:",inline"`
	Offers      []models.Offer `bson:"offers"`
}

type MongoStore struct {
	client *mongo.Client
	rides  *mongo.Collection
}

func NewMongoStore(uri, database string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &MongoStore{client: client, rides: client.Database(database).Collection(ridesCollection)}, nil
}

// EnsureIndexes creates the lookup indexes used by the store.
func (m *MongoStore) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err := m.rides.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "offers.id", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
	})
	return err
}

func (m *MongoStore) CreateRide(ctx context.Context, r *models.Ride) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()
	_, err := m.rides.InsertOne(ctx, rideDocument{Ride: *r, Offers: []models.Offer{}})
	if mongo.IsDuplicateKeyError(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert ride: %w", err)
	}
	return nil
}

func (m *MongoStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()
	var doc rideDocument
	opts := options.FindOne().SetProjection(bson.M{"offers": 0})
	err := m.rides.FindOne(ctx, bson.M{"id": id}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find ride: %w", err)
	}
	return &doc.Ride, nil
}

func (m *MongoStore) ListRides(ctx context.Context, f models.RideFilter) ([]*models.Ride, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	filter := bson.M{}
	if len(f.Statuses) > 0 {
		filter["status"] = bson.M{"$in": f.Statuses}
	}
	opts := options.Find().
		SetProjection(bson.M{"offers": 0}).
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "id", Value: 1}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit))
	}

	cursor, err := m.rides.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find rides: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []rideDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode rides: %w", err)
	}
	out := make([]*models.Ride, 0, len(docs))
	for i := range docs {
		out = append(out, &docs[i].Ride)
	}
	return out, nil
}

func (m *MongoStore) GetOffer(ctx context.Context, id string) (*models.Offer, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()
	var doc struct {
		Offers []models.Offer `bson:"offers"`
	}
	opts := options.FindOne().SetProjection(bson.M{"offers.$": 1})
	err := m.rides.FindOne(ctx, bson.M{"offers.id": id}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) || (err == nil && len(doc.Offers) == 0) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find offer: %w", err)
	}
	return &doc.Offers[0], nil
}

func (m *MongoStore) ListOffers(ctx context.Context, rideID string) ([]*models.Offer, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()
	var doc struct {
		Offers []models.Offer `bson:"offers"`
	}
	opts := options.FindOne().SetProjection(bson.M{"offers": 1})
	err := m.rides.FindOne(ctx, bson.M{"id": rideID}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return []*models.Offer{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find thread: %w", err)
	}
	out := make([]*models.Offer, 0, len(doc.Offers))
	for i := range doc.Offers {
		out = append(out, &doc.Offers[i])
	}
	return out, nil
}

func (m *MongoStore) AppendOffer(ctx context.Context, prev Version, r *models.Ride, o *models.Offer) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()
	update := bson.M{
		"$set":  rideStateFields(r),
		"$push": bson.M{"offers": o},
	}
	res, err := m.rides.UpdateOne(ctx, versionFilter(r.ID, prev), update)
	if err != nil {
		return fmt.Errorf("append offer: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrConflict
	}
	return nil
}

func (m *MongoStore) AcceptOffer(ctx context.Context, prev Version, r *models.Ride, offerID string) error {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()
	filter, update := acceptOfferUpdate(prev, r, offerID)
	res, err := m.rides.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("accept offer: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrConflict
	}
	return nil
}

func (m *MongoStore) Ping(ctx context.Context) error { return m.client.Ping(ctx, nil) }

func (m *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

// acceptOfferUpdate matches the ride at prev whose thread holds offerID and
// flags that offer through the positional operator.
func acceptOfferUpdate(prev Version, r *models.Ride, offerID string) (filter, update bson.M) {
	filter = versionFilter(r.ID, prev)
	filter["offers.id"] = offerID
	set := rideStateFields(r)
	set["offers.$.is_accepted"] = true
	return filter, bson.M{"$set": set}
}

func versionFilter(rideID string, prev Version) bson.M {
	return bson.M{"id": rideID, "status": prev.Status, "last_offer_id": prev.LastOfferID}
}

func rideStateFields(r *models.Ride) bson.M {
	return bson.M{
		"status":              r.Status,
		"current_price":       r.CurrentPrice,
		"last_offer_id":       r.LastOfferID,
		"agreed_driver_name":  r.AgreedDriverName,
		"agreed_driver_phone": r.AgreedDriverPhone,
		"updated_at":          r.UpdatedAt,
	}
}
