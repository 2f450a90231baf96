package implementation

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	mqtmodels "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoReadingRepository stores readings in a regular collection with a
// unique (sensorId, time) index, which gives the same duplicate semantics as
// the hypertable primary key.
type MongoReadingRepository struct {
	coll *mongo.Collection
}

func NewMongoReadingRepository(coll *mongo.Collection) *MongoReadingRepository {
	return &MongoReadingRepository{coll: coll}
}

// EnsureIndexes creates the unique reading key. It is safe to call on every
// start.
func (r *MongoReadingRepository) EnsureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := r.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "sensorId", Value: 1}, {Key: "time", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("sensor_time_unique"),
	})
	return err
}

func (r *MongoReadingRepository) CreateReadings(ctx context.Context, readings []mqtmodels.Reading) error {
	if len(readings) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	docs := make([]interface{}, 0, len(readings))
	for i := range readings {
		docs = append(docs, readings[i])
	}

	// unordered so one duplicate does not stop the rest of the batch
	_, err := r.coll.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil && !onlyDuplicates(err) {
		return fmt.Errorf("inserting %d readings: %w", len(readings), err)
	}
	return nil
}

func onlyDuplicates(err error) bool {
	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) {
		return false
	}
	if bwe.WriteConcernError != nil {
		return false
	}
	for _, we := range bwe.WriteErrors {
		if we.Code != 11000 {
			return false
		}
	}
	return true
}

func rangeFilter(sensorID string, tr mqtmodels.TimeRange) bson.M {
	lower, upper := "$gte", "$lte"
	if tr.OpenFrom {
		lower = "$gt"
	}
	if tr.OpenTo {
		upper = "$lt"
	}
	return bson.M{
		"sensorId": sensorID,
		"time":     bson.M{lower: tr.From, upper: tr.To},
	}
}

func (r *MongoReadingRepository) StreamReadings(ctx context.Context, sensorID string, from, to time.Time) iter.Seq2[mqtmodels.Reading, error] {
	return func(yield func(mqtmodels.Reading, error) bool) {
		opts := options.Find().SetSort(bson.D{{Key: "time", Value: 1}})
		cur, err := r.coll.Find(ctx, rangeFilter(sensorID, mqtmodels.Closed(from, to)), opts)
		if err != nil {
			yield(mqtmodels.Reading{}, err)
			return
		}
		defer cur.Close(ctx)

		for cur.Next(ctx) {
			var rd mqtmodels.Reading
			if err := cur.Decode(&rd); err != nil {
				yield(mqtmodels.Reading{}, err)
				return
			}
			if !yield(rd, nil) {
				return
			}
		}
		if err := cur.Err(); err != nil {
			yield(mqtmodels.Reading{}, err)
		}
	}
}

func (r *MongoReadingRepository) DeleteReadings(ctx context.Context, sensorID string, tr mqtmodels.TimeRange) (int64, error) {
	res, err := r.coll.DeleteMany(ctx, rangeFilter(sensorID, tr))
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}
