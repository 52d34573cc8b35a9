// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/anth12/mongo-core/readconcern"
	"github.com/anth12/mongo-core/readpref"
)

// Explain verbosity levels.
const (
	ExplainQueryPlanner      = "queryPlanner"
	ExplainAllPlansExecution = "allPlansExecution"
)

// Find represents the find command.
//
// The find command finds documents within a collection that match a filter and
// returns a cursor over them.
type Find struct {
	NS         Namespace
	Filter     bsoncore.Document
	Projection bsoncore.Document
	Sort       bsoncore.Document
	Min        bsoncore.Document
	Max        bsoncore.Document
	Collation  bsoncore.Document
	Hint       bsoncore.Value

	Skip      int64
	Limit     int64
	BatchSize int32

	MaxTime      time.Duration
	MaxAwaitTime time.Duration

	Tailable            bool
	AwaitData           bool
	NoCursorTimeout     bool
	AllowPartialResults bool
	ReturnKey           bool
	ShowRecordID        bool
	Exhaust             bool

	ReadPref    *readpref.ReadPref
	ReadConcern *readconcern.ReadConcern
	RetryRead   bool
}

// CursorType returns the cursor mode the flag set maps to.
func (f *Find) CursorType() CursorType {
	switch {
	case f.Tailable && f.AwaitData:
		return TailableAwait
	case f.Tailable:
		return Tailable
	}
	return NonTailable
}

func (f *Find) validate() error {
	if err := f.NS.Validate(); err != nil {
		return err
	}
	if f.Exhaust {
		return ErrExhaustUnsupported
	}
	if f.AwaitData && !f.Tailable {
		return ErrAwaitDataWithoutTailable
	}
	if f.Skip < 0 {
		return ErrNegativeSkip
	}
	if f.BatchSize < 0 {
		return ErrNegativeBatchSize
	}
	return nil
}

// command builds the find command document. A negative limit is normalized to
// its absolute value with singleBatch set, matching the wire protocol's
// legacy contract.
func (f *Find) command() bsoncore.Document {
	limit := f.Limit
	singleBatch := false
	if limit < 0 {
		limit = -limit
		singleBatch = true
	}

	dst := bsoncore.AppendStringElement(nil, "find", f.NS.Collection)
	if f.Filter != nil {
		dst = bsoncore.AppendDocumentElement(dst, "filter", f.Filter)
	}
	if f.Projection != nil {
		dst = bsoncore.AppendDocumentElement(dst, "projection", f.Projection)
	}
	if f.Sort != nil {
		dst = bsoncore.AppendDocumentElement(dst, "sort", f.Sort)
	}
	if f.Hint.Type != 0 {
		dst = bsoncore.AppendValueElement(dst, "hint", f.Hint)
	}
	if f.Min != nil {
		dst = bsoncore.AppendDocumentElement(dst, "min", f.Min)
	}
	if f.Max != nil {
		dst = bsoncore.AppendDocumentElement(dst, "max", f.Max)
	}
	if f.Skip != 0 {
		dst = bsoncore.AppendInt64Element(dst, "skip", f.Skip)
	}
	if limit != 0 {
		dst = bsoncore.AppendInt64Element(dst, "limit", limit)
	}
	if f.BatchSize != 0 {
		dst = bsoncore.AppendInt32Element(dst, "batchSize", f.BatchSize)
	}
	if !singleBatch && limit != 0 && f.BatchSize != 0 && limit <= int64(f.BatchSize) {
		singleBatch = true
	}
	if singleBatch {
		dst = bsoncore.AppendBooleanElement(dst, "singleBatch", true)
	}
	if f.MaxTime > 0 {
		dst = bsoncore.AppendInt64Element(dst, "maxTimeMS", maxTimeMS(f.MaxTime))
	}
	if f.ReturnKey {
		dst = bsoncore.AppendBooleanElement(dst, "returnKey", true)
	}
	if f.ShowRecordID {
		dst = bsoncore.AppendBooleanElement(dst, "showRecordId", true)
	}
	if f.Tailable {
		dst = bsoncore.AppendBooleanElement(dst, "tailable", true)
	}
	if f.AwaitData {
		dst = bsoncore.AppendBooleanElement(dst, "awaitData", true)
	}
	if f.NoCursorTimeout {
		dst = bsoncore.AppendBooleanElement(dst, "noCursorTimeout", true)
	}
	if f.AllowPartialResults {
		dst = bsoncore.AppendBooleanElement(dst, "allowPartialResults", true)
	}
	if f.Collation != nil {
		dst = bsoncore.AppendDocumentElement(dst, "collation", f.Collation)
	}
	dst = appendReadConcern(dst, f.ReadConcern)

	return bsoncore.BuildDocument(nil, dst)
}

// Execute runs the find through the retryable-read path and returns a
// BatchCursor over the first batch. The cursor owns a fork of the binding and
// the channel the command ran on.
func (f *Find) Execute(ctx context.Context, binding Binding) (*BatchCursor, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}

	cmd := f.command()
	reply, channel, err := executeRetryableRead(ctx, binding, f.ReadPref, f.RetryRead,
		func(ctx context.Context, channel Channel) ([]byte, error) {
			return channel.Command(ctx, f.NS.DB, cmd, f.ReadPref)
		})
	if err != nil {
		return nil, err
	}

	updateSessionFromResponse(binding.Session(), reply)

	limit := f.Limit
	if limit < 0 {
		limit = -limit
	}
	opts := CursorOptions{
		Limit:      limit,
		BatchSize:  f.BatchSize,
		CursorType: f.CursorType(),
	}
	if f.CursorType() == TailableAwait && f.MaxAwaitTime > 0 {
		opts.MaxTimeMS = maxTimeMS(f.MaxAwaitTime)
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

// Explain wraps the find command in an explain command, executes it, and
// returns the raw reply document.
func (f *Find) Explain(ctx context.Context, binding Binding, verbosity string) (bsoncore.Document, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}

	dst := bsoncore.AppendDocumentElement(nil, "explain", f.command())
	dst = bsoncore.AppendStringElement(dst, "verbosity", verbosity)
	cmd := bsoncore.BuildDocument(nil, dst)

	reply, channel, err := executeRetryableRead(ctx, binding, f.ReadPref, f.RetryRead,
		func(ctx context.Context, channel Channel) ([]byte, error) {
			return channel.Command(ctx, f.NS.DB, cmd, f.ReadPref)
		})
	if err != nil {
		return nil, err
	}
	defer func() { _ = channel.Close() }()

	updateSessionFromResponse(binding.Session(), reply)

	return reply, nil
}
