// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package mongo

import "github.com/pkg/errors"

// ErrFrozen indicates that a mutator was called on a query after it began
// executing. The attempted mutation is discarded.
var ErrFrozen = errors.New("the query is frozen and can no longer be modified")

// ErrAlreadyExecuted indicates that a query was iterated more than once. A
// query produces at most one live cursor.
var ErrAlreadyExecuted = errors.New("the query has already been executed")

// ErrNilDocument indicates that a nil document was provided where one is
// required.
var ErrNilDocument = errors.New("document is nil")

// ErrMissingResumeToken indicates that a change stream notification from the
// server did not contain a resume token.
var ErrMissingResumeToken = errors.New("cannot provide resume functionality when the resume token is missing")

// ErrNilCursor indicates that a Cursor was built over a nil batch cursor.
var ErrNilCursor = errors.New("cursor is nil")
