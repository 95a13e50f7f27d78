package docstore

import (
	"testing"

	"go.mongodb.org/mongo-driver/mongo"
)

func TestAllDuplicateKey(t *testing.T) {
	dup := mongo.BulkWriteException{
		WriteErrors: []mongo.BulkWriteError{
			{WriteError: mongo.WriteError{Code: 11000}},
			{WriteError: mongo.WriteError{Code: 11000}},
		},
	}
	if !allDuplicateKey(dup) {
		t.Error("all-11000 exception should be treated as idempotent no-op")
	}

	mixed := mongo.BulkWriteException{
		WriteErrors: []mongo.BulkWriteError{
			{WriteError: mongo.WriteError{Code: 11000}},
			{WriteError: mongo.WriteError{Code: 2}},
		},
	}
	if allDuplicateKey(mixed) {
		t.Error("non-duplicate write errors must surface")
	}

	empty := mongo.BulkWriteException{}
	if allDuplicateKey(empty) {
		t.Error("an exception without write errors is not a duplicate-key case")
	}
}
