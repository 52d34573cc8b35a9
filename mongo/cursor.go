// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package mongo

import (
	"context"
	"io"
	"reflect"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsoncodec"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// batchCursor is the interface implemented by types that can provide batches
// of document results. The Cursor type is built on top of this type.
type batchCursor interface {
	// ID returns the ID of the cursor.
	ID() int64

	// Next returns true if there is a batch available.
	Next(context.Context) bool

	// Batch will return a DocumentSequence for the current batch of documents.
	// The returned DocumentSequence is only valid until the next call to Next
	// or Close.
	Batch() *bsoncore.DocumentSequence

	// Err returns the last error encountered.
	Err() error

	// Close closes the cursor.
	Close(context.Context) error
}

// Cursor is used to iterate over a stream of documents. Each document is
// decoded into the result according to the rules of the bson package.
//
// A typical usage of the Cursor type would be:
//
//	var cur *Cursor
//	ctx := context.Background()
//	defer cur.Close(ctx)
//
//	for cur.Next(ctx) {
//		elem := &bson.D{}
//		if err := cur.Decode(elem); err != nil {
//			log.Fatal(err)
//		}
//
//		// do something with elem....
//	}
//
//	if err := cur.Err(); err != nil {
//		log.Fatal(err)
//	}
type Cursor struct {
	// Current contains the BSON bytes of the current document. This property
	// is only valid until the next call to Next or TryNext.
	Current bson.Raw

	bc       batchCursor
	batch    *bsoncore.DocumentSequence
	registry *bsoncodec.Registry

	err error
}

func newCursor(bc batchCursor, registry *bsoncodec.Registry) (*Cursor, error) {
	if registry == nil {
		registry = bson.DefaultRegistry
	}
	if bc == nil {
		return nil, ErrNilCursor
	}
	return &Cursor{bc: bc, registry: registry}, nil
}

// ID returns the ID of this cursor, or 0 if the cursor has been closed or
// exhausted.
func (c *Cursor) ID() int64 { return c.bc.ID() }

// Next gets the next document for this cursor. It returns true if there were
// no errors and the next document is available for decoding.
//
// Next blocks until a document is available, an error occurs, or the cursor
// is exhausted; for tailable-await cursors this includes waiting through
// empty batches.
func (c *Cursor) Next(ctx context.Context) bool {
	return c.next(ctx, false)
}

// TryNext attempts to get the next document for this cursor. It returns true
// if there were no errors and the next document is available for decoding.
// Unlike Next, it returns false instead of blocking when an available batch
// holds no documents yet.
func (c *Cursor) TryNext(ctx context.Context) bool {
	return c.next(ctx, true)
}

func (c *Cursor) next(ctx context.Context, nonBlocking bool) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		if c.batch != nil {
			doc, err := c.batch.Next()
			if err == nil {
				c.Current = bson.Raw(doc)
				return true
			}
			if err != io.EOF {
				c.err = errors.Wrap(err, "malformed document batch")
				return false
			}
			c.batch = nil
		}

		if !c.bc.Next(ctx) {
			c.err = c.bc.Err()
			return false
		}

		c.batch = c.bc.Batch()
		if nonBlocking && c.batch.DocumentCount() == 0 {
			return false
		}
	}
}

// Decode will unmarshal the current document into val.
func (c *Cursor) Decode(val interface{}) error {
	return bson.UnmarshalWithRegistry(c.registry, c.Current, val)
}

// Err returns the last error seen by the Cursor, or nil if no error has
// occurred.
func (c *Cursor) Err() error { return c.err }

// Close closes this cursor. Next and TryNext must not be called after Close
// has been called.
func (c *Cursor) Close(ctx context.Context) error {
	return c.bc.Close(ctx)
}

// All iterates the cursor and decodes each document into results. The results
// parameter must be a pointer to a slice. This method consumes and closes the
// cursor.
func (c *Cursor) All(ctx context.Context, results interface{}) error {
	resultsVal := reflect.ValueOf(results)
	if resultsVal.Kind() != reflect.Ptr {
		return errors.New("results argument must be a pointer to a slice")
	}

	sliceVal := resultsVal.Elem()
	if sliceVal.Kind() == reflect.Interface {
		sliceVal = sliceVal.Elem()
	}
	if sliceVal.Kind() != reflect.Slice {
		return errors.New("results argument must be a pointer to a slice")
	}

	elementType := sliceVal.Type().Elem()
	var index int

	defer func() { _ = c.Close(ctx) }()

	for c.Next(ctx) {
		if sliceVal.Len() == index {
			newElem := reflect.New(elementType)
			sliceVal = reflect.Append(sliceVal, newElem.Elem())
			sliceVal = sliceVal.Slice(0, sliceVal.Cap())
		}

		currElem := sliceVal.Index(index).Addr().Interface()
		if err := bson.UnmarshalWithRegistry(c.registry, c.Current, currElem); err != nil {
			return err
		}

		index++
	}
	if err := c.Err(); err != nil {
		return err
	}

	resultsVal.Elem().Set(sliceVal.Slice(0, index))
	return nil
}
