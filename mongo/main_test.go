// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package mongo_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// tokenDoc builds a resume token document {ts: <ts>}.
func tokenDoc(ts int64) bsoncore.Document {
	return bsoncore.BuildDocument(nil, bsoncore.AppendInt64Element(nil, "ts", ts))
}

// eventDoc builds a change event whose _id resume token carries ts.
func eventDoc(ts int64) bsoncore.Document {
	elems := bsoncore.AppendDocumentElement(nil, "_id", tokenDoc(ts))
	elems = bsoncore.AppendStringElement(elems, "operationType", "insert")
	elems = bsoncore.AppendDocumentElement(elems, "fullDocument",
		bsoncore.BuildDocument(nil, bsoncore.AppendInt64Element(nil, "x", ts)))
	return bsoncore.BuildDocument(nil, elems)
}

// intDoc builds {x: <i>}.
func intDoc(i int32) bsoncore.Document {
	return bsoncore.BuildDocument(nil, bsoncore.AppendInt32Element(nil, "x", i))
}

func intDocs(start, n int32) []bsoncore.Document {
	docs := make([]bsoncore.Document, 0, n)
	for i := start; i < start+n; i++ {
		docs = append(docs, intDoc(i))
	}
	return docs
}

func decodeDoc(t *testing.T, doc bsoncore.Document) bson.D {
	t.Helper()

	var d bson.D
	require.NoError(t, bson.Unmarshal([]byte(doc), &d))
	return d
}
