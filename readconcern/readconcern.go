// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package readconcern defines read concerns for MongoDB operations.
package readconcern

import (
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// A ReadConcern defines a MongoDB read concern, which allows you to control the
// consistency and isolation properties of the data read from replica sets and
// replica set shards.
type ReadConcern struct {
	level string
}

// Option is an option to provide when creating a ReadConcern.
type Option func(concern *ReadConcern)

// Level creates an option that sets the level of a ReadConcern.
func Level(level string) Option {
	return func(concern *ReadConcern) {
		concern.level = level
	}
}

// Local returns a ReadConcern that requests data from the instance with no
// guarantee that the data has been written to a majority of the replica set
// members (i.e. may be rolled back).
func Local() *ReadConcern {
	return New(Level("local"))
}

// Majority returns a ReadConcern that requests data that has been acknowledged
// by a majority of the replica set members (i.e. the documents read are durable
// and guaranteed not to roll back).
func Majority() *ReadConcern {
	return New(Level("majority"))
}

// Linearizable returns a ReadConcern that requests data that reflects all
// successful majority-acknowledged writes that completed prior to the start of
// the read operation.
func Linearizable() *ReadConcern {
	return New(Level("linearizable"))
}

// Available returns a ReadConcern that requests data from an instance with no
// guarantee that the data has been written to a majority of the replica set
// members.
func Available() *ReadConcern {
	return New(Level("available"))
}

// Snapshot returns a ReadConcern that requests majority-committed data as it
// existed at a single point in time.
func Snapshot() *ReadConcern {
	return New(Level("snapshot"))
}

// New constructs a new read concern from the given options.
func New(options ...Option) *ReadConcern {
	concern := &ReadConcern{}

	for _, option := range options {
		option(concern)
	}

	return concern
}

// GetLevel returns the read concern level.
func (rc *ReadConcern) GetLevel() string {
	return rc.level
}

// Document builds the BSON document representation of the read concern. An
// empty document is returned when no level is set.
func (rc *ReadConcern) Document() bsoncore.Document {
	idx, doc := bsoncore.AppendDocumentStart(nil)
	if rc.level != "" {
		doc = bsoncore.AppendStringElement(doc, "level", rc.level)
	}
	doc, _ = bsoncore.AppendDocumentEnd(doc, idx)
	return doc
}
