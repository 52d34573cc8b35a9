// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package mongo

import (
	"context"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsoncodec"

	"github.com/anth12/mongo-core/driver"
	"github.com/anth12/mongo-core/readconcern"
	"github.com/anth12/mongo-core/readpref"
)

// Query accumulates the configuration of a find and freezes on the first call
// that commits execution (Count, Size, Explain or Iterate). Mutators return
// the query for chaining; a mutator called after the freeze discards its
// change and records ErrFrozen, observable through Err.
//
// A Query is not safe for concurrent use.
type Query struct {
	binding  driver.Binding
	registry *bsoncodec.Registry
	ns       driver.Namespace

	filter     interface{}
	projection interface{}
	sort       interface{}
	min        interface{}
	max        interface{}
	collation  interface{}
	hint       interface{}

	skip      int64
	limit     int64
	batchSize int32

	maxTime      time.Duration
	maxAwaitTime time.Duration

	tailable            bool
	awaitData           bool
	noCursorTimeout     bool
	allowPartialResults bool
	returnKey           bool
	showRecordID        bool
	exhaust             bool

	rp    *readpref.ReadPref
	rc    *readconcern.ReadConcern
	retry bool

	frozen   bool
	iterated bool

	err       error
	mutateErr error
}

// NewQuery creates a query over the given collection. The binding supplies
// server selection and the session; the registry encodes filter and option
// documents and decodes results.
func NewQuery(binding driver.Binding, registry *bsoncodec.Registry, db, collection string) *Query {
	if registry == nil {
		registry = bson.DefaultRegistry
	}
	return &Query{
		binding:  binding,
		registry: registry,
		ns:       driver.NewNamespace(db, collection),
	}
}

// Err returns ErrFrozen when a mutator was called after the query froze;
// otherwise it returns the configuration error most recently recorded by a
// mutator (a negative skip or batch size), or nil.
func (q *Query) Err() error {
	if q.mutateErr != nil {
		return q.mutateErr
	}
	return q.err
}

// Frozen returns true once the query has begun executing.
func (q *Query) Frozen() bool {
	return q.frozen
}

// Filter sets the filter document. A nil filter matches all documents.
func (q *Query) Filter(filter interface{}) *Query {
	if q.frozen {
		q.mutateErr = ErrFrozen
		return q
	}
	q.filter = filter
	return q
}

// Project sets the projection document.
func (q *Query) Project(projection interface{}) *Query {
	if q.frozen {
		q.mutateErr = ErrFrozen
		return q
	}
	q.projection = projection
	return q
}

// Include restricts the result documents to the named fields.
func (q *Query) Include(fields ...string) *Query {
	if q.frozen {
		q.mutateErr = ErrFrozen
		return q
	}
	projection := make(bson.D, 0, len(fields))
	for _, field := range fields {
		projection = append(projection, bson.E{Key: field, Value: 1})
	}
	q.projection = projection
	return q
}

// Sort sets the sort document.
func (q *Query) Sort(sort interface{}) *Query {
	if q.frozen {
		q.mutateErr = ErrFrozen
		return q
	}
	q.sort = sort
	return q
}

// SortBy sets the sort from field names. A "-" prefix sorts the field in
// descending order.
func (q *Query) SortBy(fields ...string) *Query {
	if q.frozen {
		q.mutateErr = ErrFrozen
		return q
	}
	sort := make(bson.D, 0, len(fields))
	for _, field := range fields {
		order := 1
		if strings.HasPrefix(field, "-") {
			order = -1
			field = field[1:]
		}
		sort = append(sort, bson.E{Key: field, Value: order})
	}
	q.sort = sort
	return q
}

// Hint sets the index hint, either an index name or an index specification
// document.
func (q *Query) Hint(hint interface{}) *Query {
	if q.frozen {
		q.mutateErr = ErrFrozen
		return q
	}
	q.hint = hint
	return q
}

// Min sets the exclusive lower bound for a specific index.
func (q *Query) Min(min interface{}) *Query {
	if q.frozen {
		q.mutateErr = ErrFrozen
		return q
	}
	q.min = min
	return q
}

// Max sets the exclusive upper bound for a specific index.
func (q *Query) Max(max interface{}) *Query {
	if q.frozen {
		q.mutateErr = ErrFrozen
		return q
	}
	q.max = max
	return q
}

// Collation sets the collation document.
func (q *Query) Collation(collation interface{}) *Query {
	if q.frozen {
		q.mutateErr = ErrFrozen
		return q
	}
	q.collation = collation
	return q
}

// Skip sets how many matching documents to skip before returning results.
func (q *Query) Skip(skip int64) *Query {
	if q.frozen {
		q.mutateErr = ErrFrozen
		return q
	}
	if skip < 0 {
		q.err = driver.ErrNegativeSkip
		return q
	}
	q.skip = skip
	return q
}

// Limit caps the total number of documents returned. Zero means unbounded; a
// negative limit returns a single batch of at most the absolute value.
func (q *Query) Limit(limit int64) *Query {
	if q.frozen {
		q.mutateErr = ErrFrozen
		return q
	}
	q.limit = limit
	return q
}

// BatchSize sets the number of documents to request per batch.
func (q *Query) BatchSize(size int32) *Query {
	if q.frozen {
		q.mutateErr = ErrFrozen
		return q
	}
	if size < 0 {
		q.err = driver.ErrNegativeBatchSize
		return q
	}
	q.batchSize = size
	return q
}

// MaxTime sets the server-side execution time budget for the operation.
func (q *Query) MaxTime(d time.Duration) *Query {
	if q.frozen {
		q.mutateErr = ErrFrozen
		return q
	}
	q.maxTime = d
	return q
}

// MaxAwaitTime sets how long each getMore of a tailable-await cursor blocks
// waiting for new documents.
func (q *Query) MaxAwaitTime(d time.Duration) *Query {
	if q.frozen {
		q.mutateErr = ErrFrozen
		return q
	}
	q.maxAwaitTime = d
	return q
}

// Tailable keeps the cursor open after the last data is retrieved.
func (q *Query) Tailable() *Query {
	if q.frozen {
		q.mutateErr = ErrFrozen
		return q
	}
	q.tailable = true
	return q
}

// AwaitData makes a tailable cursor block awaiting new data instead of
// returning an empty batch immediately.
func (q *Query) AwaitData() *Query {
	if q.frozen {
		q.mutateErr = ErrFrozen
		return q
	}
	q.awaitData = true
	return q
}

// NoCursorTimeout prevents the server from closing the cursor after its idle
// timeout.
func (q *Query) NoCursorTimeout() *Query {
	if q.frozen {
		q.mutateErr = ErrFrozen
		return q
	}
	q.noCursorTimeout = true
	return q
}

// AllowPartialResults tolerates unreachable shards instead of erroring.
func (q *Query) AllowPartialResults() *Query {
	if q.frozen {
		q.mutateErr = ErrFrozen
		return q
	}
	q.allowPartialResults = true
	return q
}

// ReturnKey returns only the index keys of matching documents.
func (q *Query) ReturnKey() *Query {
	if q.frozen {
		q.mutateErr = ErrFrozen
		return q
	}
	q.returnKey = true
	return q
}

// ShowRecordID adds a $recordId field to the returned documents.
func (q *Query) ShowRecordID() *Query {
	if q.frozen {
		q.mutateErr = ErrFrozen
		return q
	}
	q.showRecordID = true
	return q
}

// Exhaust requests exhaust streaming. Exhaust cursors are not supported by
// this core; execution fails with driver.ErrExhaustUnsupported.
func (q *Query) Exhaust() *Query {
	if q.frozen {
		q.mutateErr = ErrFrozen
		return q
	}
	q.exhaust = true
	return q
}

// ReadPreference sets the read preference for server selection.
func (q *Query) ReadPreference(rp *readpref.ReadPref) *Query {
	if q.frozen {
		q.mutateErr = ErrFrozen
		return q
	}
	q.rp = rp
	return q
}

// ReadConcern sets the read concern attached to the operation.
func (q *Query) ReadConcern(rc *readconcern.ReadConcern) *Query {
	if q.frozen {
		q.mutateErr = ErrFrozen
		return q
	}
	q.rc = rc
	return q
}

// RetryReads requests one transparent retry after a retryable error.
func (q *Query) RetryReads(retry bool) *Query {
	if q.frozen {
		q.mutateErr = ErrFrozen
		return q
	}
	q.retry = retry
	return q
}

// freeze commits the configuration. Reading state stays permitted; mutating
// does not.
func (q *Query) freeze() {
	q.frozen = true
}

func (q *Query) findOp() (*driver.Find, error) {
	f := &driver.Find{
		NS:                  q.ns,
		Skip:                q.skip,
		Limit:               q.limit,
		BatchSize:           q.batchSize,
		MaxTime:             q.maxTime,
		MaxAwaitTime:        q.maxAwaitTime,
		Tailable:            q.tailable,
		AwaitData:           q.awaitData,
		NoCursorTimeout:     q.noCursorTimeout,
		AllowPartialResults: q.allowPartialResults,
		ReturnKey:           q.returnKey,
		ShowRecordID:        q.showRecordID,
		Exhaust:             q.exhaust,
		ReadPref:            q.rp,
		ReadConcern:         q.rc,
		RetryRead:           q.retry,
	}

	var err error
	if q.filter != nil {
		if f.Filter, err = transformDocument(q.registry, q.filter); err != nil {
			return nil, err
		}
	}
	if q.projection != nil {
		if f.Projection, err = transformDocument(q.registry, q.projection); err != nil {
			return nil, err
		}
	}
	if q.sort != nil {
		if f.Sort, err = transformDocument(q.registry, q.sort); err != nil {
			return nil, err
		}
	}
	if q.min != nil {
		if f.Min, err = transformDocument(q.registry, q.min); err != nil {
			return nil, err
		}
	}
	if q.max != nil {
		if f.Max, err = transformDocument(q.registry, q.max); err != nil {
			return nil, err
		}
	}
	if q.collation != nil {
		if f.Collation, err = transformDocument(q.registry, q.collation); err != nil {
			return nil, err
		}
	}
	if q.hint != nil {
		if f.Hint, err = transformValue(q.registry, q.hint); err != nil {
			return nil, err
		}
	}

	return f, nil
}

func (q *Query) countOp(includeSkipLimit bool) (*driver.Count, error) {
	c := &driver.Count{
		NS:          q.ns,
		MaxTime:     q.maxTime,
		ReadPref:    q.rp,
		ReadConcern: q.rc,
		RetryRead:   q.retry,
	}

	var err error
	if q.filter != nil {
		if c.Query, err = transformDocument(q.registry, q.filter); err != nil {
			return nil, err
		}
	}
	if q.collation != nil {
		if c.Collation, err = transformDocument(q.registry, q.collation); err != nil {
			return nil, err
		}
	}
	if q.hint != nil {
		if c.Hint, err = transformValue(q.registry, q.hint); err != nil {
			return nil, err
		}
	}

	if includeSkipLimit {
		c.Skip = q.skip
		limit := q.limit
		if limit < 0 {
			limit = -limit
		}
		c.Limit = limit
	}

	return c, nil
}

// Count freezes the query and returns how many documents match the filter,
// ignoring skip and limit.
func (q *Query) Count(ctx context.Context) (int64, error) {
	if q.err != nil {
		return 0, q.err
	}
	q.freeze()

	op, err := q.countOp(false)
	if err != nil {
		return 0, err
	}
	return op.Execute(ctx, q.binding)
}

// Size freezes the query and returns how many documents the cursor would
// yield: the matching count with skip and limit applied.
func (q *Query) Size(ctx context.Context) (int64, error) {
	if q.err != nil {
		return 0, q.err
	}
	q.freeze()

	op, err := q.countOp(true)
	if err != nil {
		return 0, err
	}
	return op.Execute(ctx, q.binding)
}

// Explain freezes the query, runs it under the explain command and returns
// the server's raw explanation. When verbose is true the allPlansExecution
// verbosity is requested instead of queryPlanner.
func (q *Query) Explain(ctx context.Context, verbose bool) (bson.Raw, error) {
	if q.err != nil {
		return nil, q.err
	}
	q.freeze()

	op, err := q.findOp()
	if err != nil {
		return nil, err
	}

	verbosity := driver.ExplainQueryPlanner
	if verbose {
		verbosity = driver.ExplainAllPlansExecution
	}

	reply, err := op.Explain(ctx, q.binding, verbosity)
	if err != nil {
		return nil, err
	}
	return bson.Raw(reply), nil
}

// Iterate freezes the query, executes the find and returns a cursor over the
// results. A query produces at most one cursor.
func (q *Query) Iterate(ctx context.Context) (*Cursor, error) {
	if q.err != nil {
		return nil, q.err
	}
	if q.iterated {
		return nil, ErrAlreadyExecuted
	}
	q.freeze()
	q.iterated = true

	op, err := q.findOp()
	if err != nil {
		return nil, err
	}

	bc, err := op.Execute(ctx, q.binding)
	if err != nil {
		return nil, err
	}

	return newCursor(bc, q.registry)
}
