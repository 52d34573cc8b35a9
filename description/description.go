// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package description holds the view of a selected server that the
// result-streaming core needs: where the server is, what kind of member it is,
// and which wire versions it speaks. Discovery and monitoring of this state
// live outside this module.
package description

import "fmt"

// Address is the canonical address of a server.
type Address string

// String implements the fmt.Stringer interface.
func (a Address) String() string {
	return string(a)
}

// ServerKind represents the type of a single server in a topology.
type ServerKind uint32

// ServerKind constants.
const (
	Standalone  ServerKind = 1
	RSPrimary   ServerKind = 2
	RSSecondary ServerKind = 4
	RSArbiter   ServerKind = 8
	Mongos      ServerKind = 16
)

// String implements the fmt.Stringer interface.
func (kind ServerKind) String() string {
	switch kind {
	case Standalone:
		return "Standalone"
	case RSPrimary:
		return "RSPrimary"
	case RSSecondary:
		return "RSSecondary"
	case RSArbiter:
		return "RSArbiter"
	case Mongos:
		return "Mongos"
	}

	return "Unknown"
}

// VersionRange represents a range of versions.
type VersionRange struct {
	Min int32
	Max int32
}

// NewVersionRange creates a new VersionRange given a min and a max.
func NewVersionRange(min, max int32) VersionRange {
	return VersionRange{Min: min, Max: max}
}

// Includes returns a bool indicating whether the supplied integer is included
// in the range.
func (vr VersionRange) Includes(v int32) bool {
	return v >= vr.Min && v <= vr.Max
}

// String implements the fmt.Stringer interface.
func (vr VersionRange) String() string {
	return fmt.Sprintf("[%d, %d]", vr.Min, vr.Max)
}

// Server contains the state of the server a channel is connected to, as
// reported by the selection layer.
type Server struct {
	Addr                  Address
	Kind                  ServerKind
	WireVersion           *VersionRange
	SessionTimeoutMinutes uint32
}

// SupportsSessions returns true when the server understands logical sessions,
// which is a precondition for retryable reads.
func (s Server) SupportsSessions() bool {
	return s.WireVersion != nil && s.WireVersion.Max >= 6 && s.SessionTimeoutMinutes != 0
}
