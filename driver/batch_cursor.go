// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"time"

	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/anth12/mongo-core/description"
	"github.com/anth12/mongo-core/driver/session"
)

// killCursorsTimeout bounds the best-effort killCursors exchange issued when a
// cursor is closed. It is independent of the caller's context: abandoning a
// live server cursor leaks server resources.
const killCursorsTimeout = 10 * time.Second

// BatchCursor is a batch implementation of a cursor. It returns documents in
// entire batches instead of one at a time. A BatchCursor is not safe for
// concurrent use; it must be used from a single goroutine or protected
// externally.
type BatchCursor struct {
	binding    Binding
	channel    Channel
	sess       *session.Session
	ns         Namespace
	id         int64
	serverDesc description.Server

	batch           *bsoncore.DocumentSequence
	firstBatch      bool
	firstBatchEmpty bool

	numReturned int64
	limit       int64
	batchSize   int32
	maxTimeMS   int64
	cursorType  CursorType

	postBatchResumeToken bsoncore.Document

	err    error
	closed bool
}

// CursorOptions are extra options that are required to construct a BatchCursor.
type CursorOptions struct {
	Limit      int64
	BatchSize  int32
	MaxTimeMS  int64
	CursorType CursorType
}

// NewBatchCursor creates a new BatchCursor from the reply to a cursor-creating
// command. The binding must be a forked handle owned by the cursor; it is
// released when the cursor is closed. The channel is the one the command ran
// on and is retained for getMores until the server reports the cursor
// exhausted.
func NewBatchCursor(resp bsoncore.Document, binding Binding, channel Channel, opts CursorOptions) (*BatchCursor, error) {
	res, err := parseCursorResponse(resp, "firstBatch")
	if err != nil {
		return nil, err
	}

	bc := &BatchCursor{
		binding:              binding,
		channel:              channel,
		ns:                   res.ns,
		id:                   res.id,
		firstBatch:           true,
		limit:                opts.Limit,
		batchSize:            opts.BatchSize,
		maxTimeMS:            opts.MaxTimeMS,
		cursorType:           opts.CursorType,
		postBatchResumeToken: res.postBatchResumeToken,
	}
	if binding != nil {
		bc.sess = binding.Session()
	}
	if channel != nil {
		bc.serverDesc = channel.Description()
	}

	batch, count, err := bc.makeBatch(res.batch)
	if err != nil {
		return nil, err
	}
	bc.batch = batch
	bc.numReturned = count
	bc.firstBatchEmpty = count == 0

	if bc.id == 0 {
		bc.releaseChannel()
	}

	return bc, nil
}

// ID returns the cursor ID for this batch cursor.
func (bc *BatchCursor) ID() int64 {
	return bc.id
}

// Namespace returns the namespace this cursor iterates.
func (bc *BatchCursor) Namespace() Namespace {
	return bc.ns
}

// Batch returns a DocumentSequence for the current batch of documents. The
// returned DocumentSequence is only valid until the next call to Next or
// Close.
func (bc *BatchCursor) Batch() *bsoncore.DocumentSequence {
	return bc.batch
}

// Err returns the latest error encountered.
func (bc *BatchCursor) Err() error {
	return bc.err
}

// PostBatchResumeToken returns the latest seen post batch resume token.
func (bc *BatchCursor) PostBatchResumeToken() bsoncore.Document {
	return bc.postBatchResumeToken
}

// FirstBatchEmpty returns true when the batch delivered at construction held
// no documents.
func (bc *BatchCursor) FirstBatchEmpty() bool {
	return bc.firstBatchEmpty
}

// ServerDescription returns the description of the server the cursor was
// created on.
func (bc *BatchCursor) ServerDescription() description.Server {
	return bc.serverDesc
}

// SetBatchSize sets the number of documents to request on each getMore.
func (bc *BatchCursor) SetBatchSize(size int32) {
	bc.batchSize = size
}

// SetMaxTime specifies the amount of time the server waits for new documents
// before returning an empty batch. Only applied to getMores of tailable-await
// cursors.
func (bc *BatchCursor) SetMaxTime(dur time.Duration) {
	bc.maxTimeMS = maxTimeMS(dur)
}

// Next indicates if there is another batch available. Returning false does
// not necessarily indicate that the cursor is closed: it also happens when the
// server cursor is exhausted or an error occurred (see Err). Tailable cursors
// return true with an empty batch while waiting for new data.
//
// If Next returns true, there is a valid batch of documents available. If
// Next returns false, there is not a valid batch of documents available.
func (bc *BatchCursor) Next(ctx context.Context) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	if bc.closed {
		bc.err = ErrCursorClosed
		return false
	}

	if bc.firstBatch {
		bc.firstBatch = false
		return true
	}

	if bc.err != nil {
		return false
	}

	if bc.id != 0 && bc.limit > 0 && bc.numReturned >= bc.limit {
		bc.killServerCursor()
	}

	if bc.id == 0 {
		bc.releaseChannel()
		return false
	}

	bc.getMore(ctx)

	return bc.err == nil
}

// Close closes this batch cursor. A server cursor that is still live is
// killed on a best-effort basis; failures of that exchange are swallowed.
// Close is idempotent and never returns an error.
func (bc *BatchCursor) Close(context.Context) error {
	if bc.closed {
		return nil
	}
	bc.closed = true

	bc.killServerCursor()
	bc.releaseChannel()
	if bc.binding != nil {
		bc.binding.Release()
	}

	return nil
}

// calcNextReturn returns the batchSize hint for the next getMore. When a
// limit is in play and would be crossed by a full batch, the remaining count
// is requested instead.
func (bc *BatchCursor) calcNextReturn() int32 {
	if bc.limit == 0 {
		return bc.batchSize
	}
	remaining := bc.limit - bc.numReturned
	if bc.batchSize > 0 && int64(bc.batchSize) <= remaining {
		return bc.batchSize
	}
	return int32(remaining)
}

func (bc *BatchCursor) getMore(ctx context.Context) {
	// Check cancellation before any I/O.
	if err := ctx.Err(); err != nil {
		bc.err = err
		return
	}

	if bc.channel == nil {
		bc.err = errors.New("the cursor's channel has been released")
		return
	}

	cmd := bsoncore.AppendInt64Element(nil, "getMore", bc.id)
	cmd = bsoncore.AppendStringElement(cmd, "collection", bc.ns.Collection)
	if size := bc.calcNextReturn(); size > 0 {
		cmd = bsoncore.AppendInt32Element(cmd, "batchSize", size)
	}
	if bc.cursorType == TailableAwait && bc.maxTimeMS > 0 {
		cmd = bsoncore.AppendInt64Element(cmd, "maxTimeMS", bc.maxTimeMS)
	}
	cmd = bsoncore.BuildDocument(nil, cmd)

	reply, err := bc.channel.Command(ctx, bc.ns.DB, cmd, nil)
	if err != nil {
		if serverErr, ok := err.(Error); ok && serverErr.Code == CodeCursorNotFound {
			bc.err = CursorNotFoundError{ConnectionID: bc.channel.ID(), CursorID: bc.id}
			return
		}
		bc.err = err
		return
	}

	updateSessionFromResponse(bc.sess, reply)

	res, err := parseCursorResponse(reply, "nextBatch")
	if err != nil {
		bc.err = err
		return
	}

	bc.id = res.id
	if res.postBatchResumeToken != nil {
		bc.postBatchResumeToken = res.postBatchResumeToken
	}

	batch, count, err := bc.makeBatch(res.batch)
	if err != nil {
		bc.err = err
		return
	}
	bc.batch = batch
	bc.numReturned += count

	if bc.id == 0 {
		bc.releaseChannel()
	}
}

// makeBatch wraps a raw reply array in a lazily iterated DocumentSequence,
// truncating it when delivering it whole would cross the cursor's limit. The
// truncated final batch is still delivered; the server cursor is killed on
// the next advance.
func (bc *BatchCursor) makeBatch(arr bsoncore.Document) (*bsoncore.DocumentSequence, int64, error) {
	vals, err := arr.Values()
	if err != nil {
		return nil, 0, errors.Wrap(err, "malformed batch array")
	}
	count := int64(len(vals))

	if bc.limit > 0 && bc.numReturned+count > bc.limit {
		keep := bc.limit - bc.numReturned
		var data []byte
		for i := int64(0); i < keep; i++ {
			doc, ok := vals[i].DocumentOK()
			if !ok {
				return nil, 0, errors.Errorf("batch element should be a document but it is a BSON %s", vals[i].Type)
			}
			data = append(data, doc...)
		}
		return &bsoncore.DocumentSequence{Style: bsoncore.SequenceStyle, Data: data}, keep, nil
	}

	return &bsoncore.DocumentSequence{Style: bsoncore.ArrayStyle, Data: arr}, count, nil
}

// killServerCursor sends a best-effort killCursors for a live server cursor.
// It runs on a freshly acquired channel under its own deadline, validates that
// the server reported the cursor killed, and swallows every failure.
func (bc *BatchCursor) killServerCursor() {
	if bc.id == 0 || bc.binding == nil {
		return
	}
	id := bc.id
	bc.id = 0

	ctx, cancel := context.WithTimeout(context.Background(), killCursorsTimeout)
	defer cancel()

	channel, err := bc.binding.SelectServer(ctx, nil)
	if err != nil {
		grip.Warning(message.WrapError(err, message.Fields{
			"message":   "unable to acquire a channel to kill cursor",
			"cursor_id": id,
			"namespace": bc.ns.FullName(),
		}))
		return
	}
	defer func() { _ = channel.Close() }()

	idx, cmd := bsoncore.AppendArrayElementStart(
		bsoncore.AppendStringElement(nil, "killCursors", bc.ns.Collection), "cursors")
	cmd = bsoncore.AppendInt64Element(cmd, "0", id)
	cmd, _ = bsoncore.AppendArrayEnd(cmd, idx)
	cmd = bsoncore.BuildDocument(nil, cmd)

	reply, err := channel.Command(ctx, bc.ns.DB, cmd, nil)
	if err != nil {
		grip.Warning(message.WrapError(err, message.Fields{
			"message":   "killCursors failed",
			"cursor_id": id,
			"namespace": bc.ns.FullName(),
		}))
		return
	}

	if err := validateKillCursorsReply(reply, id, channel.ID()); err != nil {
		grip.Warning(message.WrapError(err, message.Fields{
			"message":   "killCursors did not kill the cursor",
			"cursor_id": id,
			"namespace": bc.ns.FullName(),
		}))
	}
}

// validateKillCursorsReply checks that a killCursors reply accounts for the
// cursor id. A cursor the server reports unknown maps to CursorNotFoundError;
// any other unaccounted id is a plain failure. Callers swallow both.
func validateKillCursorsReply(reply bsoncore.Document, id int64, connectionID string) error {
	if replyContainsCursor(reply, "cursorsNotFound", id) {
		return CursorNotFoundError{ConnectionID: connectionID, CursorID: id}
	}
	if !replyContainsCursor(reply, "cursorsKilled", id) {
		return errors.Errorf("cursor id %d was not reported killed", id)
	}
	return nil
}

func replyContainsCursor(reply bsoncore.Document, key string, id int64) bool {
	val, err := reply.LookupErr(key)
	if err != nil {
		return false
	}
	arr, ok := val.ArrayOK()
	if !ok {
		return false
	}
	vals, err := arr.Values()
	if err != nil {
		return false
	}
	for _, v := range vals {
		if got, ok := v.Int64OK(); ok && got == id {
			return true
		}
	}
	return false
}

func (bc *BatchCursor) releaseChannel() {
	if bc.channel == nil {
		return
	}
	_ = bc.channel.Close()
	bc.channel = nil
}
