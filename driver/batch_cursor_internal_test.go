// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

func buildArray(docs ...bsoncore.Document) bsoncore.Document {
	idx, arr := bsoncore.AppendDocumentStart(nil)
	for i, doc := range docs {
		arr = bsoncore.AppendDocumentElement(arr, strconv.Itoa(i), doc)
	}
	arr, _ = bsoncore.AppendDocumentEnd(arr, idx)
	return arr
}

func numberedDoc(i int32) bsoncore.Document {
	return bsoncore.BuildDocument(nil, bsoncore.AppendInt32Element(nil, "x", i))
}

func TestBatchCursorNilContext(t *testing.T) {
	// All cursor iterators take contexts but permit nil contexts, which must
	// not panic.
	bc := &BatchCursor{}

	defer func() {
		if err := recover(); err != nil {
			t.Errorf("expected cursor to not panic with nil context, but got: %v", err)
		}
	}()
	if bc.Next(nil) {
		t.Errorf("expected Next to return false, but returned true")
	}
}

func TestCalcNextReturn(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name        string
		batchSize   int32
		limit       int64
		numReturned int64
		expected    int32
	}{
		{name: "empty", expected: 0},
		{name: "batchSize set without limit", batchSize: 4, expected: 4},
		{name: "limit set without batchSize", limit: 4, expected: 4},
		{name: "batchSize below remaining limit", batchSize: 5, limit: 12, numReturned: 5, expected: 5},
		{name: "batchSize above remaining limit", batchSize: 5, limit: 12, numReturned: 10, expected: 2},
		{name: "batchSize equals remaining limit", batchSize: 4, limit: 8, numReturned: 4, expected: 4},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			bc := &BatchCursor{
				batchSize:   tc.batchSize,
				limit:       tc.limit,
				numReturned: tc.numReturned,
			}
			assert.Equal(t, tc.expected, bc.calcNextReturn(), "unexpected batchSize for the next getMore")
		})
	}
}

func TestMakeBatchTruncation(t *testing.T) {
	t.Parallel()

	docs := []bsoncore.Document{numberedDoc(0), numberedDoc(1), numberedDoc(2), numberedDoc(3), numberedDoc(4)}
	arr := buildArray(docs...)

	t.Run("no limit keeps the whole batch", func(t *testing.T) {
		t.Parallel()

		bc := &BatchCursor{}
		batch, count, err := bc.makeBatch(arr)
		require.NoError(t, err)
		assert.Equal(t, int64(5), count)
		assert.Equal(t, 5, batch.DocumentCount())
	})

	t.Run("batch crossing the limit is truncated", func(t *testing.T) {
		t.Parallel()

		bc := &BatchCursor{limit: 12, numReturned: 10}
		batch, count, err := bc.makeBatch(arr)
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)
		require.Equal(t, 2, batch.DocumentCount())

		first, err := batch.Next()
		require.NoError(t, err)
		assert.Equal(t, bsoncore.Document(numberedDoc(0)), first)
		second, err := batch.Next()
		require.NoError(t, err)
		assert.Equal(t, bsoncore.Document(numberedDoc(1)), second)
	})
}

func TestBatchCursorSetMaxTime(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		dur  time.Duration
		want int64
	}{
		{name: "empty", dur: 0, want: 0},
		{name: "partial milliseconds are truncated", dur: 10_900 * time.Microsecond, want: 10},
		{name: "millisecond input", dur: 10 * time.Millisecond, want: 10},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			bc := BatchCursor{}
			bc.SetMaxTime(test.dur)
			assert.Equal(t, test.want, bc.maxTimeMS, "expected and actual maxTimeMS are different")
		})
	}
}

func TestBatchCursorSetBatchSize(t *testing.T) {
	t.Parallel()

	bc := &BatchCursor{}
	bc.SetBatchSize(4)
	assert.Equal(t, int32(4), bc.batchSize)
}
