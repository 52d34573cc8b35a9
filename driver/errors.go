// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"
)

// ErrUnknownCommandFailure occurs when a command fails for an unknown reason.
var ErrUnknownCommandFailure = errors.New("unknown command failure")

// ErrCursorClosed occurs when an operation is attempted on a cursor that has
// already been closed.
var ErrCursorClosed = errors.New("the cursor has been closed and disposed")

// ErrExhaustUnsupported occurs when a find is configured with the exhaust
// flag, which this core does not implement.
var ErrExhaustUnsupported = errors.New("exhaust cursors are not supported")

// ErrAwaitDataWithoutTailable occurs when awaitData is set without tailable.
var ErrAwaitDataWithoutTailable = errors.New("awaitData requires a tailable cursor")

// ErrNegativeSkip occurs when a negative skip is used.
var ErrNegativeSkip = errors.New("skip must be a non-negative value")

// ErrNegativeBatchSize occurs when a negative batch size is used.
var ErrNegativeBatchSize = errors.New("batch size must be a non-negative value")

// Error labels attached by servers or by the transport layer.
const (
	// NetworkError is attached to errors produced by a failed or interrupted
	// network exchange.
	NetworkError = "NetworkError"
	// RetryableReadError marks a read error that is safe to retry once.
	RetryableReadError = "RetryableReadError"
	// ResumableChangeStreamError marks an error a change stream should resume
	// after. Servers that speak wire version 9 or newer attach it themselves.
	ResumableChangeStreamError = "ResumableChangeStreamError"
)

// Server error codes the core reacts to.
const (
	CodeHostUnreachable         int32 = 6
	CodeHostNotFound            int32 = 7
	CodeIllegalOperation        int32 = 20
	CodeCursorNotFound          int32 = 43
	CodeNetworkTimeout          int32 = 89
	CodeShutdownInProgress      int32 = 91
	CodeCappedPositionLost      int32 = 136
	CodePrimarySteppedDown      int32 = 189
	CodeCursorKilled            int32 = 237
	CodeChangeStreamFatal       int32 = 280
	CodeChangeStreamHistoryLost int32 = 286
	CodeSocketException         int32 = 9001
	CodeNotWritablePrimary      int32 = 10107
	CodeInterruptedAtShutdown   int32 = 11600
	CodeInterrupted             int32 = 11601
)

// retryableReadCodes are the server error codes that permit one transparent
// retry of a read.
var retryableReadCodes = []int32{
	CodeHostUnreachable,
	CodeHostNotFound,
	CodeNetworkTimeout,
	CodeShutdownInProgress,
	CodePrimarySteppedDown,
	CodeSocketException,
	CodeNotWritablePrimary,
	CodeInterruptedAtShutdown,
}

// nonResumableCodes is the pinned deny-list of server error codes a change
// stream must not resume after. Outside this list, CursorNotFound always
// resumes; any other code resumes only when it is retryable or carries a
// resumability label.
var nonResumableCodes = []int32{
	CodeInterrupted,
	CodeCappedPositionLost,
	CodeCursorKilled,
	CodeIllegalOperation,
	CodeChangeStreamFatal,
	CodeChangeStreamHistoryLost,
}

// Error is a command execution error from the database.
type Error struct {
	Code    int32
	Message string
	Labels  []string
	Name    string
	Wrapped error
}

// Error implements the error interface.
func (e Error) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("(%v) %v", e.Name, e.Message)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e Error) Unwrap() error { return e.Wrapped }

// HasErrorLabel returns true if the error contains the specified label.
func (e Error) HasErrorLabel(label string) bool {
	for _, l := range e.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// RetryableRead returns true if the error permits one transparent retry of a
// read operation.
func (e Error) RetryableRead() bool {
	if e.HasErrorLabel(NetworkError) || e.HasErrorLabel(RetryableReadError) {
		return true
	}
	for _, code := range retryableReadCodes {
		if e.Code == code {
			return true
		}
	}
	if strings.Contains(e.Message, "not master") || strings.Contains(e.Message, "node is recovering") {
		return true
	}

	return false
}

// ConnectionError represents a failure of the network exchange underneath a
// command. Connection errors always permit a retry and a resume: the state of
// the command on the server is unknown, and reads are idempotent.
type ConnectionError struct {
	ConnectionID string
	Wrapped      error
}

// Error implements the error interface.
func (e ConnectionError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("connection(%s): %s", e.ConnectionID, e.Wrapped)
	}
	return fmt.Sprintf("connection(%s) error", e.ConnectionID)
}

// Unwrap returns the underlying error.
func (e ConnectionError) Unwrap() error { return e.Wrapped }

// CursorNotFoundError indicates that a getMore referenced a cursor id the
// server no longer knows about.
type CursorNotFoundError struct {
	ConnectionID string
	CursorID     int64
}

// Error implements the error interface.
func (e CursorNotFoundError) Error() string {
	return fmt.Sprintf("cursor id %d not found on connection %s", e.CursorID, e.ConnectionID)
}

// IsRetryableRead returns true if err permits one transparent retry of a read
// operation.
func IsRetryableRead(err error) bool {
	switch tt := err.(type) {
	case nil:
		return false
	case ConnectionError:
		return true
	case Error:
		return tt.RetryableRead()
	case CursorNotFoundError:
		// The cursor belongs to state established by a previous command;
		// re-running the command cannot recover it.
		return false
	}

	var pe RetryablePoolError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}

	return false
}

// IsResumableChangeStream returns true if a change stream should rebuild its
// cursor and resume after err. Server errors on the pinned deny-list are
// fatal; CursorNotFound resumes; any other code resumes only when it is
// retryable for reads or the server labeled it resumable.
func IsResumableChangeStream(err error) bool {
	switch tt := err.(type) {
	case nil:
		return false
	case ConnectionError:
		return true
	case CursorNotFoundError:
		return true
	case Error:
		for _, code := range nonResumableCodes {
			if tt.Code == code {
				return false
			}
		}
		if tt.Code == CodeCursorNotFound {
			return true
		}
		if tt.HasErrorLabel(ResumableChangeStreamError) {
			return true
		}
		return tt.RetryableRead()
	}

	var pe RetryablePoolError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}

	return false
}

// ExtractError inspects a command reply document and returns an Error when
// the reply reports failure. Channel implementations use this to surface
// non-ok replies; a nil return means the command succeeded.
func ExtractError(rdr bsoncore.Document) error {
	var errmsg, codeName string
	var code int32
	var labels []string

	elems, err := rdr.Elements()
	if err != nil {
		return errors.Wrap(err, "invalid command response")
	}

	for _, elem := range elems {
		switch elem.Key() {
		case "ok":
			switch elem.Value().Type {
			case bsontype.Int32:
				if elem.Value().Int32() == 1 {
					return nil
				}
			case bsontype.Int64:
				if elem.Value().Int64() == 1 {
					return nil
				}
			case bsontype.Double:
				if elem.Value().Double() == 1 {
					return nil
				}
			}
		case "errmsg":
			if str, ok := elem.Value().StringValueOK(); ok {
				errmsg = str
			}
		case "codeName":
			if str, ok := elem.Value().StringValueOK(); ok {
				codeName = str
			}
		case "code":
			if c, ok := elem.Value().Int32OK(); ok {
				code = c
			}
		case "errorLabels":
			arr, ok := elem.Value().ArrayOK()
			if !ok {
				continue
			}
			vals, err := arr.Values()
			if err != nil {
				continue
			}
			for _, val := range vals {
				if str, ok := val.StringValueOK(); ok {
					labels = append(labels, str)
				}
			}
		}
	}

	if errmsg == "" {
		errmsg = "command failed"
	}

	return Error{
		Code:    code,
		Message: errmsg,
		Name:    codeName,
		Labels:  labels,
	}
}
