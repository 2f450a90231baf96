package implementation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	mqtmodels "gitlab.com/maplesense1/mpt.sensor_gateway/src/production/MQT.Models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

func TestOnlyDuplicates(t *testing.T) {
	dup := mongo.BulkWriteException{WriteErrors: []mongo.BulkWriteError{{WriteError: mongo.WriteError{Code: 11000}}}}
	other := mongo.BulkWriteException{WriteErrors: []mongo.BulkWriteError{{WriteError: mongo.WriteError{Code: 11000}}, {WriteError: mongo.WriteError{Code: 121}}}}

	assert.True(t, onlyDuplicates(dup))
	assert.False(t, onlyDuplicates(other))
	assert.False(t, onlyDuplicates(assert.AnError))
}

func TestRangeFilter(t *testing.T) {
	from := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	to := from.Add(time.Minute)

	f := rangeFilter("sensor-1", mqtmodels.Closed(from, to))
	assert.Equal(t, "sensor-1", f["sensorId"])
	assert.Equal(t, bson.M{"$gte": from, "$lte": to}, f["time"])

	f = rangeFilter("sensor-1", mqtmodels.TimeRange{From: from, To: to, OpenFrom: true, OpenTo: true})
	assert.Equal(t, bson.M{"$gt": from, "$lt": to}, f["time"])
}
