// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package drivertest provides scripted implementations of the driver's
// Channel and Binding contracts for use in tests.
package drivertest

import (
	"context"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/x/bsonx/bsoncore"

	"github.com/anth12/mongo-core/description"
	"github.com/anth12/mongo-core/driver"
	"github.com/anth12/mongo-core/driver/session"
	"github.com/anth12/mongo-core/readpref"
)

// SentCommand records one command issued on a Channel.
type SentCommand struct {
	DB      string
	Name    string
	Command bsoncore.Document
}

// Response is one scripted channel response: either a reply document or an
// error. Reply documents with ok:0 are surfaced as server errors the way a
// real channel would surface them.
type Response struct {
	Doc bsoncore.Document
	Err error
}

// Channel is a scripted driver.Channel. Every command is recorded and
// answered with the next queued response.
type Channel struct {
	Desc   description.Server
	ConnID string

	Sent      []SentCommand
	Responses []Response
	Closed    bool
}

var _ driver.Channel = (*Channel)(nil)

// Command implements the driver.Channel interface.
func (c *Channel) Command(ctx context.Context, db string, cmd bsoncore.Document, _ *readpref.ReadPref) (bsoncore.Document, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	name := ""
	if elems, err := cmd.Elements(); err == nil && len(elems) > 0 {
		name = elems[0].Key()
	}
	c.Sent = append(c.Sent, SentCommand{DB: db, Name: name, Command: cmd})

	if len(c.Responses) == 0 {
		return nil, errors.Errorf("no scripted response for %q command", name)
	}
	resp := c.Responses[0]
	c.Responses = c.Responses[1:]

	if resp.Err != nil {
		return nil, resp.Err
	}
	if err := driver.ExtractError(resp.Doc); err != nil {
		return nil, err
	}
	return resp.Doc, nil
}

// Description implements the driver.Channel interface.
func (c *Channel) Description() description.Server { return c.Desc }

// ID implements the driver.Channel interface.
func (c *Channel) ID() string {
	if c.ConnID == "" {
		return "drivertest"
	}
	return c.ConnID
}

// Close implements the driver.Channel interface.
func (c *Channel) Close() error {
	c.Closed = true
	return nil
}

// CommandNames returns the names of every command sent, in order.
func (c *Channel) CommandNames() []string {
	names := make([]string, 0, len(c.Sent))
	for _, sent := range c.Sent {
		names = append(names, sent.Name)
	}
	return names
}

// bindingState is shared by every fork of a Binding.
type bindingState struct {
	sess      *session.Session
	channels  []driver.Channel
	selectFn  func(context.Context, *readpref.ReadPref) (driver.Channel, error)
	refs      int
	selects   int
	released  int
	selectErr error
}

// Binding is a scripted driver.Binding. SelectServer hands out the queued
// channels in order, or defers to SelectFunc when set. Fork and Release
// adjust a reference count shared by all forks; RefCount exposes it so tests
// can assert release discipline.
type Binding struct {
	state *bindingState
}

var _ driver.Binding = (*Binding)(nil)

// NewBinding returns a Binding that serves the provided channels in order.
func NewBinding(channels ...driver.Channel) *Binding {
	return &Binding{state: &bindingState{sess: session.New(), refs: 1, channels: channels}}
}

// NewBindingWithSelect returns a Binding whose SelectServer defers to fn.
func NewBindingWithSelect(fn func(context.Context, *readpref.ReadPref) (driver.Channel, error)) *Binding {
	return &Binding{state: &bindingState{sess: session.New(), refs: 1, selectFn: fn}}
}

// FailSelection makes every subsequent SelectServer call fail with err.
func (b *Binding) FailSelection(err error) {
	b.state.selectErr = err
}

// SelectServer implements the driver.Binding interface.
func (b *Binding) SelectServer(ctx context.Context, rp *readpref.ReadPref) (driver.Channel, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.state.selects++
	if b.state.selectErr != nil {
		return nil, b.state.selectErr
	}
	if b.state.selectFn != nil {
		return b.state.selectFn(ctx, rp)
	}
	if len(b.state.channels) == 0 {
		return nil, errors.New("no scripted channels remain")
	}
	channel := b.state.channels[0]
	b.state.channels = b.state.channels[1:]
	return channel, nil
}

// Session implements the driver.Binding interface.
func (b *Binding) Session() *session.Session { return b.state.sess }

// Fork implements the driver.Binding interface.
func (b *Binding) Fork() driver.Binding {
	b.state.refs++
	return &Binding{state: b.state}
}

// Release implements the driver.Binding interface.
func (b *Binding) Release() {
	b.state.refs--
	b.state.released++
}

// RefCount returns the number of live handles over the binding.
func (b *Binding) RefCount() int { return b.state.refs }

// SelectCount returns how many times a server was selected.
func (b *Binding) SelectCount() int { return b.state.selects }
