// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/anth12/mongo-core/readconcern"
	"github.com/anth12/mongo-core/readpref"
)

// Aggregate represents the aggregate command specialized for change streams:
// it prepends a $changeStream stage to the user pipeline and returns a
// tailable-await cursor over the resulting events.
//
// Collection-level streams target their collection namespace; a stream with
// no collection targets the whole database, and a stream with no database
// targets the whole deployment through the admin database.
type Aggregate struct {
	DB         string
	Collection string
	Pipeline   []bsoncore.Document

	FullDocument         string
	AllChangesForCluster bool
	ResumeAfter          bsoncore.Document
	StartAfter           bsoncore.Document
	StartAtOperationTime *primitive.Timestamp

	BatchSize    int32
	Collation    bsoncore.Document
	MaxAwaitTime time.Duration

	ReadPref    *readpref.ReadPref
	ReadConcern *readconcern.ReadConcern
	RetryRead   bool
}

// database returns the database the aggregate is issued against.
func (a *Aggregate) database() string {
	if a.DB == "" {
		return "admin"
	}
	return a.DB
}

// changeStreamStage builds the {$changeStream: {...}} stage document from the
// current resume state. Options are emitted only when set.
func (a *Aggregate) changeStreamStage() bsoncore.Document {
	var opts []byte
	if a.FullDocument != "" {
		opts = bsoncore.AppendStringElement(opts, "fullDocument", a.FullDocument)
	}
	if a.AllChangesForCluster {
		opts = bsoncore.AppendBooleanElement(opts, "allChangesForCluster", true)
	}
	if a.ResumeAfter != nil {
		opts = bsoncore.AppendDocumentElement(opts, "resumeAfter", a.ResumeAfter)
	}
	if a.StartAfter != nil {
		opts = bsoncore.AppendDocumentElement(opts, "startAfter", a.StartAfter)
	}
	if a.StartAtOperationTime != nil {
		opts = bsoncore.AppendTimestampElement(opts, "startAtOperationTime",
			a.StartAtOperationTime.T, a.StartAtOperationTime.I)
	}

	stage := bsoncore.AppendDocumentElement(nil, "$changeStream", bsoncore.BuildDocument(nil, opts))
	return bsoncore.BuildDocument(nil, stage)
}

func (a *Aggregate) command() bsoncore.Document {
	var dst []byte
	if a.Collection == "" {
		dst = bsoncore.AppendInt32Element(nil, "aggregate", 1)
	} else {
		dst = bsoncore.AppendStringElement(nil, "aggregate", a.Collection)
	}

	pipelineIdx, dst := bsoncore.AppendArrayElementStart(dst, "pipeline")
	dst = bsoncore.AppendDocumentElement(dst, "0", a.changeStreamStage())
	for i, stage := range a.Pipeline {
		dst = bsoncore.AppendDocumentElement(dst, strconv.Itoa(i+1), stage)
	}
	dst, _ = bsoncore.AppendArrayEnd(dst, pipelineIdx)

	cursorIdx, dst := bsoncore.AppendDocumentElementStart(dst, "cursor")
	if a.BatchSize != 0 {
		dst = bsoncore.AppendInt32Element(dst, "batchSize", a.BatchSize)
	}
	dst, _ = bsoncore.AppendDocumentEnd(dst, cursorIdx)

	if a.Collation != nil {
		dst = bsoncore.AppendDocumentElement(dst, "collation", a.Collation)
	}
	if a.MaxAwaitTime > 0 {
		dst = bsoncore.AppendInt64Element(dst, "maxAwaitTimeMS", maxTimeMS(a.MaxAwaitTime))
	}
	dst = appendReadConcern(dst, a.ReadConcern)

	return bsoncore.BuildDocument(nil, dst)
}

// Execute runs the aggregate through the retryable-read path and returns a
// tailable-await BatchCursor over the first batch of change events.
func (a *Aggregate) Execute(ctx context.Context, binding Binding) (*BatchCursor, error) {
	return a.execute(ctx, binding, a.RetryRead)
}

// Resume re-runs the aggregate for a change stream that is rebuilding its
// cursor. The resume machinery above already owns failure handling, so the
// single-retry path is bypassed.
func (a *Aggregate) Resume(ctx context.Context, binding Binding) (*BatchCursor, error) {
	return a.execute(ctx, binding, false)
}

func (a *Aggregate) execute(ctx context.Context, binding Binding, retry bool) (*BatchCursor, error) {
	cmd := a.command()
	reply, channel, err := executeRetryableRead(ctx, binding, a.ReadPref, retry,
		func(ctx context.Context, channel Channel) ([]byte, error) {
			return channel.Command(ctx, a.database(), cmd, a.ReadPref)
		})
	if err != nil {
		return nil, err
	}

	updateSessionFromResponse(binding.Session(), reply)

	opts := CursorOptions{
		BatchSize:  a.BatchSize,
		CursorType: TailableAwait,
	}
	if a.MaxAwaitTime > 0 {
		opts.MaxTimeMS = maxTimeMS(a.MaxAwaitTime)
	}

	fork := binding.Fork()
	bc, err := NewBatchCursor(reply, fork, channel, opts)
	if err != nil {
		fork.Release()
		_ = channel.Close()
		return nil, err
	}

	return bc, nil
}
