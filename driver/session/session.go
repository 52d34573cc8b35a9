// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package session implements the causal-consistency state shared by every
// handle forked from a binding. Server session pooling, lsid allocation and
// transactions are owned by the selection layer, not this package.
package session

import (
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Session tracks the cluster time and operation time reported by server
// replies. The handles forked from one binding may run in parallel, so the
// fields advance under a lock.
type Session struct {
	mu            sync.Mutex
	clusterTime   bson.Raw
	operationTime *primitive.Timestamp
}

// New returns an empty session.
func New() *Session {
	return &Session{}
}

func getClusterTime(clusterTime bson.Raw) (uint32, uint32) {
	if clusterTime == nil {
		return 0, 0
	}

	clusterTimeVal, err := clusterTime.LookupErr("$clusterTime")
	if err != nil {
		return 0, 0
	}

	timestampVal, err := clusterTimeVal.Document().LookupErr("clusterTime")
	if err != nil {
		return 0, 0
	}

	return timestampVal.Timestamp()
}

// MaxClusterTime compares 2 clusterTime documents and returns the document
// representing the highest cluster time.
func MaxClusterTime(ct1, ct2 bson.Raw) bson.Raw {
	epoch1, ord1 := getClusterTime(ct1)
	epoch2, ord2 := getClusterTime(ct2)

	switch {
	case epoch1 > epoch2:
		return ct1
	case epoch1 < epoch2:
		return ct2
	case ord1 > ord2:
		return ct1
	case ord1 < ord2:
		return ct2
	}

	return ct1
}

// AdvanceClusterTime updates the session's cluster time.
func (s *Session) AdvanceClusterTime(clusterTime bson.Raw) {
	if clusterTime == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.clusterTime = MaxClusterTime(s.clusterTime, clusterTime)
}

// AdvanceOperationTime updates the session's operation time. Operation times
// only move forward.
func (s *Session) AdvanceOperationTime(opTime *primitive.Timestamp) {
	if opTime == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.operationTime == nil {
		s.operationTime = &primitive.Timestamp{T: opTime.T, I: opTime.I}
		return
	}

	if opTime.T > s.operationTime.T ||
		(opTime.T == s.operationTime.T && opTime.I > s.operationTime.I) {
		s.operationTime = &primitive.Timestamp{T: opTime.T, I: opTime.I}
	}
}

// ClusterTime returns the highest cluster time observed by this session.
func (s *Session) ClusterTime() bson.Raw {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clusterTime
}

// OperationTime returns the highest operation time observed by this session.
func (s *Session) OperationTime() *primitive.Timestamp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.operationTime
}
