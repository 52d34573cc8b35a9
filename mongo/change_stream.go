// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package mongo

import (
	"context"
	"io"
	"time"

	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsoncodec"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/anth12/mongo-core/description"
	"github.com/anth12/mongo-core/driver"
	"github.com/anth12/mongo-core/readconcern"
	"github.com/anth12/mongo-core/readpref"
)

// minOperationTimeWireVersion is the first wire version whose servers accept
// startAtOperationTime, and therefore the first on which an initial operation
// time is worth capturing.
const minOperationTimeWireVersion = 7

// ChangeStreamOptions configure a change stream.
type ChangeStreamOptions struct {
	// BatchSize is the per-batch document count hint forwarded to the
	// aggregate and its getMores.
	BatchSize int32

	// Collation is the collation document for the aggregate.
	Collation interface{}

	// FullDocument, when set to "updateLookup", includes a current copy of
	// changed documents in update events.
	FullDocument string

	// MaxAwaitTime is how long each getMore blocks waiting for new events.
	MaxAwaitTime time.Duration

	// ResumeAfter resumes the stream after the event the token identifies.
	ResumeAfter interface{}

	// StartAfter behaves like ResumeAfter but can resume past an
	// invalidate event.
	StartAfter interface{}

	// StartAtOperationTime starts the stream at the first change at or after
	// the given cluster timestamp.
	StartAtOperationTime *primitive.Timestamp

	// ReadPreference selects the servers the stream runs against.
	ReadPreference *readpref.ReadPref

	// ReadConcern is attached to the aggregate.
	ReadConcern *readconcern.ReadConcern

	// RetryReads requests one transparent retry of the initial aggregate.
	RetryReads bool
}

// ChangeStream is used to iterate over a stream of change events. Iteration
// is infinite: when the underlying cursor dies of a resumable failure, the
// stream kills it, re-runs the aggregate from its last known position and
// continues without the caller observing the gap.
//
// A ChangeStream is not safe for concurrent use.
type ChangeStream struct {
	// Current is the BSON bytes of the current change event. This property is
	// only valid until the next call to Next or TryNext.
	Current bson.Raw

	binding   driver.Binding
	registry  *bsoncodec.Registry
	aggregate *driver.Aggregate
	cursor    *driver.BatchCursor
	batch     *bsoncore.DocumentSequence

	usesStartAfter bool
	explicitStart  bool

	operationTime *primitive.Timestamp
	resumeToken   bson.Raw
	lastID        bsoncore.Document
	pbrt          bsoncore.Document
	wireVersion   int32

	err    error
	closed bool
}

// NewChangeStream opens a change stream. An empty collection watches the
// whole database; an empty database watches the whole deployment. The
// returned stream owns a fork of the binding.
func NewChangeStream(ctx context.Context, binding driver.Binding, registry *bsoncodec.Registry,
	db, collection string, pipeline interface{}, opts *ChangeStreamOptions) (*ChangeStream, error) {

	if registry == nil {
		registry = bson.DefaultRegistry
	}
	if opts == nil {
		opts = &ChangeStreamOptions{}
	}

	stages, err := transformAggregatePipeline(registry, pipeline)
	if err != nil {
		return nil, err
	}

	agg := &driver.Aggregate{
		DB:                   db,
		Collection:           collection,
		Pipeline:             stages,
		FullDocument:         opts.FullDocument,
		AllChangesForCluster: db == "",
		BatchSize:            opts.BatchSize,
		MaxAwaitTime:         opts.MaxAwaitTime,
		StartAtOperationTime: opts.StartAtOperationTime,
		ReadPref:             opts.ReadPreference,
		ReadConcern:          opts.ReadConcern,
		RetryRead:            opts.RetryReads,
	}
	if opts.Collation != nil {
		if agg.Collation, err = transformDocument(registry, opts.Collation); err != nil {
			return nil, err
		}
	}

	cs := &ChangeStream{
		binding:       binding.Fork(),
		registry:      registry,
		aggregate:     agg,
		operationTime: opts.StartAtOperationTime,
	}

	if opts.ResumeAfter != nil {
		if agg.ResumeAfter, err = transformDocument(registry, opts.ResumeAfter); err != nil {
			cs.binding.Release()
			return nil, err
		}
	}
	if opts.StartAfter != nil {
		if agg.StartAfter, err = transformDocument(registry, opts.StartAfter); err != nil {
			cs.binding.Release()
			return nil, err
		}
		cs.usesStartAfter = true
	}
	cs.explicitStart = agg.ResumeAfter != nil || agg.StartAfter != nil || agg.StartAtOperationTime != nil

	cursor, err := agg.Execute(ctx, cs.binding)
	if err != nil {
		cs.binding.Release()
		return nil, err
	}
	cs.adoptCursor(cursor)

	return cs, nil
}

// adoptCursor installs a freshly created inner cursor and refreshes the state
// derived from its first reply.
func (cs *ChangeStream) adoptCursor(cursor *driver.BatchCursor) {
	cs.cursor = cursor
	cs.batch = nil
	cs.wireVersion = maxWireVersion(cursor.ServerDescription())

	if pbrt := cursor.PostBatchResumeToken(); pbrt != nil {
		cs.pbrt = pbrt
		// The token only becomes the stream's position once the batch it
		// trails is consumed; with a non-empty first batch the position must
		// stay behind the documents about to be delivered.
		if cursor.FirstBatchEmpty() {
			cs.resumeToken = bson.Raw(pbrt)
		}
	}

	cs.captureInitialOperationTime()
}

// captureInitialOperationTime records the session's operation time as the
// stream's logical start when no explicit start position was given, the
// server is new enough to accept one, and the first batch gave us nothing
// better to resume from.
func (cs *ChangeStream) captureInitialOperationTime() {
	if cs.operationTime != nil || cs.explicitStart {
		return
	}
	if cs.wireVersion < minOperationTimeWireVersion {
		return
	}
	if !cs.cursor.FirstBatchEmpty() || cs.cursor.PostBatchResumeToken() != nil {
		return
	}

	cs.operationTime = cs.binding.Session().OperationTime()
}

// ID returns the ID of the current inner cursor, or 0 if the stream has been
// closed.
func (cs *ChangeStream) ID() int64 {
	if cs.cursor == nil {
		return 0
	}
	return cs.cursor.ID()
}

// ResumeToken returns the last cached resume token for this change stream: a
// copy of it can be passed as ResumeAfter or StartAfter when creating a new
// stream that picks up where this one left off.
func (cs *ChangeStream) ResumeToken() bson.Raw {
	return cs.resumeToken
}

// SetBatchSize sets the number of events to request per batch on this stream
// and on any cursor rebuilt during a resume.
func (cs *ChangeStream) SetBatchSize(size int32) {
	cs.aggregate.BatchSize = size
	if cs.cursor != nil {
		cs.cursor.SetBatchSize(size)
	}
}

// Next gets the next event for this change stream. It returns true if there
// were no errors and the next event is available for decoding. Next blocks
// until an event is available, the stream fails fatally, or the context is
// canceled.
func (cs *ChangeStream) Next(ctx context.Context) bool {
	return cs.next(ctx, false)
}

// TryNext attempts to get the next event for this change stream. Unlike
// Next, it returns false instead of blocking when the current await round
// produced no events. The stream stays valid and may be advanced again.
func (cs *ChangeStream) TryNext(ctx context.Context) bool {
	return cs.next(ctx, true)
}

func (cs *ChangeStream) next(ctx context.Context, nonBlocking bool) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	if cs.closed {
		if cs.err == nil {
			cs.err = driver.ErrCursorClosed
		}
		return false
	}
	if cs.err != nil {
		return false
	}

	for {
		if cs.batch != nil {
			doc, err := cs.batch.Next()
			if err == nil {
				return cs.yield(doc)
			}
			if err != io.EOF {
				cs.err = errors.Wrap(err, "malformed change event batch")
				return false
			}
			cs.batch = nil

			// The batch is consumed; its post-batch token is now the
			// stream's position.
			if pbrt := cs.cursor.PostBatchResumeToken(); pbrt != nil {
				cs.pbrt = pbrt
				cs.resumeToken = bson.Raw(pbrt)
			}
		}

		if cs.cursor.Next(ctx) {
			cs.batch = cs.cursor.Batch()
			if nonBlocking && cs.batch.DocumentCount() == 0 {
				cs.batch = nil
				if pbrt := cs.cursor.PostBatchResumeToken(); pbrt != nil {
					cs.pbrt = pbrt
					cs.resumeToken = bson.Raw(pbrt)
				}
				return false
			}
			continue
		}

		err := cs.cursor.Err()
		switch {
		case err == nil:
			// A drained cursor is unexpected for a tailable-await stream; the
			// server must have released it. Rebuild and pick up where we
			// stopped.
		case driver.IsResumableChangeStream(err):
		default:
			cs.err = err
			return false
		}

		if resumeErr := cs.resume(ctx, err); resumeErr != nil {
			cs.err = resumeErr
			return false
		}
	}
}

// yield publishes one change event to the caller and advances the stream's
// resume position to the event's _id.
func (cs *ChangeStream) yield(doc bsoncore.Document) bool {
	idVal, err := doc.LookupErr("_id")
	if err != nil {
		_ = cs.Close(context.Background())
		cs.err = ErrMissingResumeToken
		return false
	}
	id, ok := idVal.DocumentOK()
	if !ok {
		_ = cs.Close(context.Background())
		cs.err = ErrMissingResumeToken
		return false
	}

	cs.lastID = id
	cs.resumeToken = bson.Raw(id)
	cs.Current = bson.Raw(doc)
	return true
}

// resume kills the dead inner cursor, rebuilds the $changeStream stage from
// the stream's position and installs a replacement cursor. The aggregate is
// re-run outside the retry path; this flow owns failure handling.
func (cs *ChangeStream) resume(ctx context.Context, cause error) error {
	grip.Debug(message.Fields{
		"message":   "resuming change stream",
		"cause":     errMessage(cause),
		"cursor_id": cs.cursor.ID(),
	})

	_ = cs.cursor.Close(ctx)
	cs.rebuildResumeOptions()

	cursor, err := cs.aggregate.Resume(ctx, cs.binding)
	if err != nil {
		return err
	}
	cs.adoptCursor(cursor)

	return nil
}

// rebuildResumeOptions points the $changeStream stage at the stream's current
// position. The post-batch token wins over the last delivered event's _id,
// which wins over an operation time; with none of the three the original
// stage is reissued unchanged.
func (cs *ChangeStream) rebuildResumeOptions() {
	agg := cs.aggregate

	if cs.pbrt != nil {
		if cs.usesStartAfter {
			agg.StartAfter = cs.pbrt
			agg.ResumeAfter = nil
		} else {
			agg.ResumeAfter = cs.pbrt
			agg.StartAfter = nil
		}
		agg.StartAtOperationTime = nil
		return
	}

	if cs.lastID != nil {
		agg.ResumeAfter = cs.lastID
		agg.StartAfter = nil
		agg.StartAtOperationTime = nil
		return
	}

	if cs.operationTime != nil {
		agg.ResumeAfter = nil
		agg.StartAfter = nil
		agg.StartAtOperationTime = cs.operationTime
		return
	}
}

// Decode will unmarshal the current event into val.
func (cs *ChangeStream) Decode(val interface{}) error {
	return bson.UnmarshalWithRegistry(cs.registry, cs.Current, val)
}

// Err returns the last error seen by the change stream, or nil if no error
// has occurred.
func (cs *ChangeStream) Err() error {
	return cs.err
}

// Close closes this change stream and its inner cursor and releases the
// stream's binding handle. Close is idempotent.
func (cs *ChangeStream) Close(ctx context.Context) error {
	if cs.closed {
		return nil
	}
	cs.closed = true

	if cs.cursor != nil {
		_ = cs.cursor.Close(ctx)
	}
	cs.binding.Release()
	return nil
}

func maxWireVersion(desc description.Server) int32 {
	if desc.WireVersion == nil {
		return 0
	}
	return desc.WireVersion.Max
}

func errMessage(err error) string {
	if err == nil {
		return "cursor exhausted"
	}
	return err.Error()
}
