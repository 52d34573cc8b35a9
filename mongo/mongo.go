// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package mongo exposes the user-facing surface of the result-streaming core:
// a freezing query builder, decoding cursors, and resumable change streams.
// Everything below it speaks raw BSON; this package owns the boundary where
// user values are encoded and decoded through a codec registry.
package mongo

import (
	"reflect"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsoncodec"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// transformDocument marshals val into a raw document using the provided
// registry. bson.Raw and []byte values pass through without re-encoding.
func transformDocument(registry *bsoncodec.Registry, val interface{}) (bsoncore.Document, error) {
	if registry == nil {
		registry = bson.DefaultRegistry
	}
	if val == nil {
		return nil, ErrNilDocument
	}
	if bs, ok := val.([]byte); ok {
		val = bson.Raw(bs)
	}
	if raw, ok := val.(bson.Raw); ok {
		return bsoncore.Document(raw), nil
	}

	b, err := bson.MarshalWithRegistry(registry, val)
	if err != nil {
		return nil, errors.Wrap(err, "cannot transform document")
	}
	return bsoncore.Document(b), nil
}

// transformValue marshals val into a raw value using the provided registry.
// It is used for fields like hint that accept either a string or a document.
func transformValue(registry *bsoncodec.Registry, val interface{}) (bsoncore.Value, error) {
	if registry == nil {
		registry = bson.DefaultRegistry
	}
	if val == nil {
		return bsoncore.Value{}, ErrNilDocument
	}

	t, data, err := bson.MarshalValueWithRegistry(registry, val)
	if err != nil {
		return bsoncore.Value{}, errors.Wrap(err, "cannot transform value")
	}
	return bsoncore.Value{Type: t, Data: data}, nil
}

// transformAggregatePipeline marshals a user pipeline into a slice of raw
// stage documents. The pipeline may be nil or any slice whose elements are
// marshalable as documents.
func transformAggregatePipeline(registry *bsoncodec.Registry, pipeline interface{}) ([]bsoncore.Document, error) {
	if pipeline == nil {
		return nil, nil
	}

	val := reflect.ValueOf(pipeline)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	if val.Kind() != reflect.Slice && val.Kind() != reflect.Array {
		return nil, errors.Errorf("can only transform slices and arrays into aggregation pipelines, but got %v", val.Kind())
	}

	stages := make([]bsoncore.Document, 0, val.Len())
	for i := 0; i < val.Len(); i++ {
		doc, err := transformDocument(registry, val.Index(i).Interface())
		if err != nil {
			return nil, err
		}
		stages = append(stages, doc)
	}

	return stages, nil
}
