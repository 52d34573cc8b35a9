// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/anth12/mongo-core/readconcern"
	"github.com/anth12/mongo-core/readpref"
)

// Count represents the count command.
//
// The count command counts how many documents in a collection match the given
// query. Skip and Limit are only forwarded when non-zero.
type Count struct {
	NS        Namespace
	Query     bsoncore.Document
	Skip      int64
	Limit     int64
	Hint      bsoncore.Value
	Collation bsoncore.Document
	MaxTime   time.Duration

	ReadPref    *readpref.ReadPref
	ReadConcern *readconcern.ReadConcern
	RetryRead   bool
}

func (c *Count) command() bsoncore.Document {
	dst := bsoncore.AppendStringElement(nil, "count", c.NS.Collection)
	if c.Query != nil {
		dst = bsoncore.AppendDocumentElement(dst, "query", c.Query)
	}
	if c.Skip != 0 {
		dst = bsoncore.AppendInt64Element(dst, "skip", c.Skip)
	}
	if c.Limit != 0 {
		dst = bsoncore.AppendInt64Element(dst, "limit", c.Limit)
	}
	if c.Hint.Type != 0 {
		dst = bsoncore.AppendValueElement(dst, "hint", c.Hint)
	}
	if c.Collation != nil {
		dst = bsoncore.AppendDocumentElement(dst, "collation", c.Collation)
	}
	if c.MaxTime > 0 {
		dst = bsoncore.AppendInt64Element(dst, "maxTimeMS", maxTimeMS(c.MaxTime))
	}
	dst = appendReadConcern(dst, c.ReadConcern)

	return bsoncore.BuildDocument(nil, dst)
}

// Execute runs the count through the retryable-read path and returns the
// matched document count.
func (c *Count) Execute(ctx context.Context, binding Binding) (int64, error) {
	if err := c.NS.Validate(); err != nil {
		return 0, err
	}

	cmd := c.command()
	reply, channel, err := executeRetryableRead(ctx, binding, c.ReadPref, c.RetryRead,
		func(ctx context.Context, channel Channel) ([]byte, error) {
			return channel.Command(ctx, c.NS.DB, cmd, c.ReadPref)
		})
	if err != nil {
		return 0, err
	}
	defer func() { _ = channel.Close() }()

	updateSessionFromResponse(binding.Session(), reply)

	val, err := bsoncore.Document(reply).LookupErr("n")
	if err != nil {
		return 0, errors.Wrap(err, "count reply is missing n")
	}
	n, ok := val.AsInt64OK()
	if !ok {
		return 0, errors.Errorf("n should be a number but it is a BSON %s", val.Type)
	}

	return n, nil
}
