// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package driver contains the result-streaming core: server-side cursors
// pulled in batches, the find and aggregate operations that create them, and
// the retryable-read execution path they run through. Wire framing, server
// selection, pooling, authentication and compression live behind the Channel
// and Binding contracts and are supplied by the caller.
package driver

import (
	"context"

	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/anth12/mongo-core/description"
	"github.com/anth12/mongo-core/driver/session"
	"github.com/anth12/mongo-core/readpref"
)

// Channel is a logical connection to a single server on which commands can be
// issued. Implementations frame the command into a wire message, send it,
// read the reply and surface non-ok replies as an Error. Command returns the
// raw reply document on success.
type Channel interface {
	Command(ctx context.Context, db string, cmd bsoncore.Document, rp *readpref.ReadPref) (bsoncore.Document, error)
	Description() description.Server
	ID() string
	Close() error
}

// Binding selects servers matching a read preference and carries the session
// state shared by everything executing under it. Fork produces an independent
// handle over the same session; each handle must be released exactly once,
// and the last release ends the underlying session.
type Binding interface {
	SelectServer(ctx context.Context, rp *readpref.ReadPref) (Channel, error)
	Session() *session.Session
	Fork() Binding
	Release()
}

// RetryablePoolError is a connection-sourcing error that can be retried or
// resumed, such as a cleared connection pool.
type RetryablePoolError interface {
	error
	Retryable() bool
}

// CursorType specifies whether a cursor should close when the last data is
// retrieved.
type CursorType int8

// CursorType constants.
const (
	// NonTailable specifies that a cursor should close after retrieving the
	// last data.
	NonTailable CursorType = iota
	// Tailable specifies that a cursor should not close when the last data is
	// retrieved and can be resumed later.
	Tailable
	// TailableAwait specifies that a cursor should not close when the last
	// data is retrieved and that it should block for a certain amount of time
	// for new data before returning no data.
	TailableAwait
)
