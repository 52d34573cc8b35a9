// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/anth12/mongo-core/driver/session"
	"github.com/anth12/mongo-core/readconcern"
)

// cursorResponse is the decoded form of the cursor subdocument every
// cursor-creating command and getMore replies with.
type cursorResponse struct {
	id                   int64
	ns                   Namespace
	batch                bsoncore.Document
	postBatchResumeToken bsoncore.Document
}

// parseCursorResponse decodes {cursor: {id, ns, <batchKey>, postBatchResumeToken?}}
// from a command reply. The batch array is kept as raw bytes so documents are
// only walked when the caller iterates them.
func parseCursorResponse(resp bsoncore.Document, batchKey string) (cursorResponse, error) {
	cursorVal, err := resp.LookupErr("cursor")
	if err != nil {
		return cursorResponse{}, errors.Wrap(err, "reply is missing the cursor document")
	}

	cursorDoc, ok := cursorVal.DocumentOK()
	if !ok {
		return cursorResponse{}, errors.Errorf("cursor should be an embedded document but it is a BSON %s", cursorVal.Type)
	}

	elems, err := cursorDoc.Elements()
	if err != nil {
		return cursorResponse{}, errors.Wrap(err, "malformed cursor document")
	}

	var res cursorResponse
	for _, elem := range elems {
		switch elem.Key() {
		case "id":
			res.id, ok = elem.Value().Int64OK()
			if !ok {
				return cursorResponse{}, errors.Errorf("id should be an int64 but it is a BSON %s", elem.Value().Type)
			}
		case "ns":
			str, strOK := elem.Value().StringValueOK()
			if !strOK {
				return cursorResponse{}, errors.Errorf("ns should be a string but it is a BSON %s", elem.Value().Type)
			}
			ns, err := ParseNamespace(str)
			if err != nil {
				return cursorResponse{}, err
			}
			res.ns = ns
		case batchKey:
			arr, arrOK := elem.Value().ArrayOK()
			if !arrOK {
				return cursorResponse{}, errors.Errorf("%s should be an array but it is a BSON %s", batchKey, elem.Value().Type)
			}
			res.batch = bsoncore.Document(arr)
		case "postBatchResumeToken":
			doc, docOK := elem.Value().DocumentOK()
			if !docOK {
				return cursorResponse{}, errors.Errorf("postBatchResumeToken should be a document but it is a BSON %s", elem.Value().Type)
			}
			res.postBatchResumeToken = doc
		}
	}

	if res.batch == nil {
		return cursorResponse{}, errors.Errorf("reply is missing the %s array", batchKey)
	}

	return res, nil
}

// updateSessionFromResponse advances the session's operation and cluster
// times from a successful command reply.
func updateSessionFromResponse(sess *session.Session, resp bsoncore.Document) {
	if sess == nil {
		return
	}

	if val, err := resp.LookupErr("operationTime"); err == nil {
		if t, i, ok := val.TimestampOK(); ok {
			sess.AdvanceOperationTime(&primitive.Timestamp{T: t, I: i})
		}
	}

	if val, err := resp.LookupErr("$clusterTime"); err == nil {
		if doc, ok := val.DocumentOK(); ok {
			wrapped := bsoncore.BuildDocument(nil, bsoncore.AppendDocumentElement(nil, "$clusterTime", doc))
			sess.AdvanceClusterTime(bson.Raw(wrapped))
		}
	}
}

// appendReadConcern appends a readConcern element when a level is set.
func appendReadConcern(dst []byte, rc *readconcern.ReadConcern) []byte {
	if rc == nil || rc.GetLevel() == "" {
		return dst
	}
	return bsoncore.AppendDocumentElement(dst, "readConcern", rc.Document())
}

func maxTimeMS(d time.Duration) int64 {
	return int64(d / time.Millisecond)
}
