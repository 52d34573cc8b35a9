// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package drivertest

import (
	"strconv"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/anth12/mongo-core/description"
)

// ServerDescription returns a description for a server that supports
// sessions and therefore retryable reads.
func ServerDescription(maxWireVersion int32) description.Server {
	return description.Server{
		Addr:                  description.Address("localhost:27017"),
		Kind:                  description.RSPrimary,
		WireVersion:           &description.VersionRange{Min: 6, Max: maxWireVersion},
		SessionTimeoutMinutes: 30,
	}
}

// CursorReplyOptions hold the optional pieces of a cursor reply.
type CursorReplyOptions struct {
	PostBatchResumeToken bsoncore.Document
	OperationTime        *primitive.Timestamp
}

// CursorReply builds the reply of a cursor-creating command or a getMore:
// {ok: 1, cursor: {id, ns, firstBatch|nextBatch}} plus the optional
// postBatchResumeToken and operationTime fields.
func CursorReply(cursorID int64, ns string, first bool, docs []bsoncore.Document, opts *CursorReplyOptions) bsoncore.Document {
	batchKey := "nextBatch"
	if first {
		batchKey = "firstBatch"
	}

	cursorIdx, cursor := bsoncore.AppendDocumentElementStart(nil, "cursor")
	cursor = bsoncore.AppendInt64Element(cursor, "id", cursorID)
	cursor = bsoncore.AppendStringElement(cursor, "ns", ns)
	batchIdx, cursor := bsoncore.AppendArrayElementStart(cursor, batchKey)
	for i, doc := range docs {
		cursor = bsoncore.AppendDocumentElement(cursor, strconv.Itoa(i), doc)
	}
	cursor, _ = bsoncore.AppendArrayEnd(cursor, batchIdx)
	if opts != nil && opts.PostBatchResumeToken != nil {
		cursor = bsoncore.AppendDocumentElement(cursor, "postBatchResumeToken", opts.PostBatchResumeToken)
	}
	dst, _ := bsoncore.AppendDocumentEnd(cursor, cursorIdx)

	dst = bsoncore.AppendDoubleElement(dst, "ok", 1)
	if opts != nil && opts.OperationTime != nil {
		dst = bsoncore.AppendTimestampElement(dst, "operationTime", opts.OperationTime.T, opts.OperationTime.I)
	}

	return bsoncore.BuildDocument(nil, dst)
}

// KillCursorsReply builds a killCursors reply reporting the given cursor ids
// killed and not found.
func KillCursorsReply(killed, notFound []int64) bsoncore.Document {
	dst := appendInt64Array(nil, "cursorsKilled", killed)
	dst = appendInt64Array(dst, "cursorsNotFound", notFound)
	dst = appendInt64Array(dst, "cursorsAlive", nil)
	dst = appendInt64Array(dst, "cursorsUnknown", nil)
	dst = bsoncore.AppendDoubleElement(dst, "ok", 1)
	return bsoncore.BuildDocument(nil, dst)
}

// ErrorReply builds a failed command reply with the given code, message,
// code name and error labels.
func ErrorReply(code int32, msg, name string, labels ...string) bsoncore.Document {
	dst := bsoncore.AppendDoubleElement(nil, "ok", 0)
	dst = bsoncore.AppendInt32Element(dst, "code", code)
	dst = bsoncore.AppendStringElement(dst, "errmsg", msg)
	if name != "" {
		dst = bsoncore.AppendStringElement(dst, "codeName", name)
	}
	if len(labels) > 0 {
		idx, arr := bsoncore.AppendArrayElementStart(dst, "errorLabels")
		for i, label := range labels {
			arr = bsoncore.AppendStringElement(arr, strconv.Itoa(i), label)
		}
		dst, _ = bsoncore.AppendArrayEnd(arr, idx)
	}
	return bsoncore.BuildDocument(nil, dst)
}

// SuccessReply builds a minimal {ok: 1} reply with extra elements appended.
func SuccessReply(extra ...[]byte) bsoncore.Document {
	dst := bsoncore.AppendDoubleElement(nil, "ok", 1)
	for _, elem := range extra {
		dst = append(dst, elem...)
	}
	return bsoncore.BuildDocument(nil, dst)
}

func appendInt64Array(dst []byte, key string, ids []int64) []byte {
	idx, dst := bsoncore.AppendArrayElementStart(dst, key)
	for i, id := range ids {
		dst = bsoncore.AppendInt64Element(dst, strconv.Itoa(i), id)
	}
	dst, _ = bsoncore.AppendArrayEnd(dst, idx)
	return dst
}
