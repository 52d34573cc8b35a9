// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/anth12/mongo-core/driver"
	"github.com/anth12/mongo-core/driver/drivertest"
)

func valueDoc(i int32) bsoncore.Document {
	return bsoncore.BuildDocument(nil, bsoncore.AppendInt32Element(nil, "x", i))
}

func valueDocs(start, n int32) []bsoncore.Document {
	docs := make([]bsoncore.Document, 0, n)
	for i := start; i < start+n; i++ {
		docs = append(docs, valueDoc(i))
	}
	return docs
}

func drainBatch(t *testing.T, batch *bsoncore.DocumentSequence) []bsoncore.Document {
	t.Helper()

	var docs []bsoncore.Document
	for {
		doc, err := batch.Next()
		if err == io.EOF {
			return docs
		}
		require.NoError(t, err)
		docs = append(docs, doc)
	}
}

func executeFind(t *testing.T, binding driver.Binding, find *driver.Find) *driver.BatchCursor {
	t.Helper()

	bc, err := find.Execute(context.Background(), binding)
	require.NoError(t, err)
	return bc
}

func TestBatchCursorLimitTruncation(t *testing.T) {
	// A find with limit 12 over server batches of 5 yields 5+5+2 documents
	// and kills the server cursor that outlived the limit.
	findChannel := &drivertest.Channel{
		Desc: drivertest.ServerDescription(8),
		Responses: []drivertest.Response{
			{Doc: drivertest.CursorReply(42, "foo.bar", true, valueDocs(0, 5), nil)},
			{Doc: drivertest.CursorReply(42, "foo.bar", false, valueDocs(5, 5), nil)},
			{Doc: drivertest.CursorReply(42, "foo.bar", false, valueDocs(10, 5), nil)},
		},
	}
	killChannel := &drivertest.Channel{
		Desc:      drivertest.ServerDescription(8),
		Responses: []drivertest.Response{{Doc: drivertest.KillCursorsReply([]int64{42}, nil)}},
	}
	binding := drivertest.NewBinding(findChannel, killChannel)

	find := &driver.Find{
		NS:        driver.NewNamespace("foo", "bar"),
		Limit:     12,
		BatchSize: 5,
	}
	bc := executeFind(t, binding, find)

	var total []bsoncore.Document
	var batchSizes []int
	for bc.Next(context.Background()) {
		docs := drainBatch(t, bc.Batch())
		batchSizes = append(batchSizes, len(docs))
		total = append(total, docs...)
	}
	require.NoError(t, bc.Err())

	assert.Equal(t, []int{5, 5, 2}, batchSizes)
	assert.Len(t, total, 12)
	assert.False(t, bc.FirstBatchEmpty())

	// The getMores requested the remaining document count once the limit got
	// close.
	getMores := findChannel.Sent[1:]
	require.Len(t, getMores, 2)
	for _, gm := range getMores {
		assert.Equal(t, "getMore", gm.Name)
	}
	firstSize, err := getMores[0].Command.LookupErr("batchSize")
	require.NoError(t, err)
	assert.Equal(t, int32(5), firstSize.Int32())
	secondSize, err := getMores[1].Command.LookupErr("batchSize")
	require.NoError(t, err)
	assert.Equal(t, int32(2), secondSize.Int32())

	// Exactly one killCursors for the id from the last reply.
	require.Len(t, killChannel.Sent, 1)
	kill := killChannel.Sent[0]
	assert.Equal(t, "killCursors", kill.Name)
	assert.Equal(t, "bar", kill.Command.Lookup("killCursors").StringValue())
	ids, err := kill.Command.LookupErr("cursors")
	require.NoError(t, err)
	arr, ok := ids.ArrayOK()
	require.True(t, ok)
	vals, err := arr.Values()
	require.NoError(t, err)
	require.Len(t, vals, 1)
	assert.Equal(t, int64(42), vals[0].Int64())

	// Close after the kill does not send a second killCursors.
	require.NoError(t, bc.Close(context.Background()))
	assert.Len(t, killChannel.Sent, 1)
	assert.Equal(t, 1, binding.RefCount(), "the cursor must release its forked handle, leaving the caller's")
}

func TestBatchCursorEmptyFirstBatch(t *testing.T) {
	findChannel := &drivertest.Channel{
		Desc: drivertest.ServerDescription(8),
		Responses: []drivertest.Response{
			{Doc: drivertest.CursorReply(0, "foo.bar", true, nil, nil)},
		},
	}
	binding := drivertest.NewBinding(findChannel)

	bc := executeFind(t, binding, &driver.Find{NS: driver.NewNamespace("foo", "bar")})

	require.True(t, bc.Next(context.Background()), "the empty first batch is still delivered once")
	assert.Equal(t, 0, bc.Batch().DocumentCount())
	assert.True(t, bc.FirstBatchEmpty())

	assert.False(t, bc.Next(context.Background()))
	require.NoError(t, bc.Err())

	// The channel was released as soon as the server reported cursor id 0,
	// and closing does not attempt a killCursors: no server is selected
	// beyond the one the find ran on.
	assert.True(t, findChannel.Closed)
	require.NoError(t, bc.Close(context.Background()))
	assert.Equal(t, 1, binding.SelectCount(), "close must not select a server for killCursors")
	assert.Equal(t, 1, binding.RefCount())
}

func TestBatchCursorGetMoreErrorPropagates(t *testing.T) {
	// A getMore belongs to an already-open cursor: a retryable server error
	// must surface instead of triggering the retry path.
	findChannel := &drivertest.Channel{
		Desc: drivertest.ServerDescription(8),
		Responses: []drivertest.Response{
			{Doc: drivertest.CursorReply(42, "foo.bar", true, valueDocs(0, 3), nil)},
			{Doc: drivertest.ErrorReply(10107, "node is not in primary or recovering state", "NotWritablePrimary")},
		},
	}
	binding := drivertest.NewBinding(findChannel)

	find := &driver.Find{NS: driver.NewNamespace("foo", "bar"), RetryRead: true}
	bc := executeFind(t, binding, find)

	require.True(t, bc.Next(context.Background()))
	assert.False(t, bc.Next(context.Background()))

	err := bc.Err()
	require.Error(t, err)
	serverErr, ok := err.(driver.Error)
	require.True(t, ok, "expected driver.Error, got %T", err)
	assert.Equal(t, driver.CodeNotWritablePrimary, serverErr.Code)
	assert.Equal(t, 1, binding.SelectCount(), "getMore failures must not re-select a server")
}

func TestBatchCursorGetMoreCursorNotFound(t *testing.T) {
	findChannel := &drivertest.Channel{
		Desc: drivertest.ServerDescription(8),
		ConnID: "conn-7",
		Responses: []drivertest.Response{
			{Doc: drivertest.CursorReply(42, "foo.bar", true, valueDocs(0, 1), nil)},
			{Doc: drivertest.ErrorReply(43, "cursor id 42 not found", "CursorNotFound")},
		},
	}
	binding := drivertest.NewBinding(findChannel)

	bc := executeFind(t, binding, &driver.Find{NS: driver.NewNamespace("foo", "bar")})

	require.True(t, bc.Next(context.Background()))
	assert.False(t, bc.Next(context.Background()))

	notFound, ok := bc.Err().(driver.CursorNotFoundError)
	require.True(t, ok, "expected CursorNotFoundError, got %T", bc.Err())
	assert.Equal(t, int64(42), notFound.CursorID)
	assert.Equal(t, "conn-7", notFound.ConnectionID)
}

func TestBatchCursorClose(t *testing.T) {
	t.Run("close kills a live cursor once", func(t *testing.T) {
		findChannel := &drivertest.Channel{
			Desc: drivertest.ServerDescription(8),
			Responses: []drivertest.Response{
				{Doc: drivertest.CursorReply(42, "foo.bar", true, valueDocs(0, 2), nil)},
			},
		}
		killChannel := &drivertest.Channel{
			Desc:      drivertest.ServerDescription(8),
			Responses: []drivertest.Response{{Doc: drivertest.KillCursorsReply([]int64{42}, nil)}},
		}
		binding := drivertest.NewBinding(findChannel, killChannel)

		bc := executeFind(t, binding, &driver.Find{NS: driver.NewNamespace("foo", "bar")})

		require.NoError(t, bc.Close(context.Background()))
		require.Len(t, killChannel.Sent, 1)
		assert.True(t, killChannel.Closed, "the kill channel is released after use")
		assert.Equal(t, 1, binding.RefCount())

		// Double close is a no-op.
		require.NoError(t, bc.Close(context.Background()))
		assert.Len(t, killChannel.Sent, 1)

		// Operations after close fail with a disposed error.
		assert.False(t, bc.Next(context.Background()))
		assert.Equal(t, driver.ErrCursorClosed, bc.Err())
	})

	t.Run("close swallows transport failures", func(t *testing.T) {
		findChannel := &drivertest.Channel{
			Desc: drivertest.ServerDescription(8),
			Responses: []drivertest.Response{
				{Doc: drivertest.CursorReply(42, "foo.bar", true, valueDocs(0, 2), nil)},
			},
		}
		killChannel := &drivertest.Channel{
			Desc:      drivertest.ServerDescription(8),
			Responses: []drivertest.Response{{Err: driver.ConnectionError{ConnectionID: "kc", Wrapped: errors.New("broken pipe")}}},
		}
		binding := drivertest.NewBinding(findChannel, killChannel)

		bc := executeFind(t, binding, &driver.Find{NS: driver.NewNamespace("foo", "bar")})
		require.NoError(t, bc.Close(context.Background()))
	})

	t.Run("close swallows a cursor the server does not know", func(t *testing.T) {
		findChannel := &drivertest.Channel{
			Desc: drivertest.ServerDescription(8),
			Responses: []drivertest.Response{
				{Doc: drivertest.CursorReply(42, "foo.bar", true, valueDocs(0, 2), nil)},
			},
		}
		killChannel := &drivertest.Channel{
			Desc:      drivertest.ServerDescription(8),
			Responses: []drivertest.Response{{Doc: drivertest.KillCursorsReply(nil, []int64{42})}},
		}
		binding := drivertest.NewBinding(findChannel, killChannel)

		bc := executeFind(t, binding, &driver.Find{NS: driver.NewNamespace("foo", "bar")})
		require.NoError(t, bc.Close(context.Background()))
	})
}

func TestBatchCursorCancellation(t *testing.T) {
	findChannel := &drivertest.Channel{
		Desc: drivertest.ServerDescription(8),
		Responses: []drivertest.Response{
			{Doc: drivertest.CursorReply(42, "foo.bar", true, valueDocs(0, 2), nil)},
		},
	}
	binding := drivertest.NewBinding(findChannel)

	bc := executeFind(t, binding, &driver.Find{NS: driver.NewNamespace("foo", "bar")})
	require.True(t, bc.Next(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, bc.Next(ctx), "cancellation is checked before any I/O")
	assert.ErrorIs(t, bc.Err(), context.Canceled)
	assert.Len(t, findChannel.Sent, 1, "no getMore may be issued under a canceled context")
}

func TestBatchCursorTailableAwaitMaxTime(t *testing.T) {
	findChannel := &drivertest.Channel{
		Desc: drivertest.ServerDescription(8),
		Responses: []drivertest.Response{
			{Doc: drivertest.CursorReply(42, "foo.bar", true, valueDocs(0, 1), nil)},
			{Doc: drivertest.CursorReply(42, "foo.bar", false, nil, nil)},
		},
	}
	binding := drivertest.NewBinding(findChannel)

	find := &driver.Find{
		NS:           driver.NewNamespace("foo", "bar"),
		Tailable:     true,
		AwaitData:    true,
		MaxAwaitTime: 250 * time.Millisecond,
	}
	bc := executeFind(t, binding, find)

	require.True(t, bc.Next(context.Background()))
	require.True(t, bc.Next(context.Background()), "a tailable-await cursor keeps returning empty batches")
	assert.Equal(t, 0, bc.Batch().DocumentCount())

	gm := findChannel.Sent[1]
	require.Equal(t, "getMore", gm.Name)
	val, err := gm.Command.LookupErr("maxTimeMS")
	require.NoError(t, err)
	assert.Equal(t, int64(250), val.Int64())
}

func TestNamespaceParsing(t *testing.T) {
	t.Parallel()

	ns, err := driver.ParseNamespace("foo.system.bar")
	require.NoError(t, err)
	assert.Equal(t, "foo", ns.DB)
	assert.Equal(t, "system.bar", ns.Collection)
	assert.Equal(t, "foo.system.bar", ns.FullName())

	_, err = driver.ParseNamespace("nodot")
	assert.Error(t, err)

	assert.Error(t, driver.Namespace{DB: "", Collection: "c"}.Validate())
	assert.Error(t, driver.Namespace{DB: "a b", Collection: "c"}.Validate())
	assert.Error(t, driver.Namespace{DB: "a.b", Collection: "c"}.Validate())
	assert.Error(t, driver.Namespace{DB: "a", Collection: ""}.Validate())
	assert.NoError(t, driver.Namespace{DB: "a", Collection: "c"}.Validate())
}
