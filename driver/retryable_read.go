// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"context"

	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"

	"github.com/anth12/mongo-core/readpref"
)

// commandFn issues one command exchange on the provided channel and returns
// the raw reply. It must be idempotent for a retry to be attempted.
type commandFn func(ctx context.Context, channel Channel) ([]byte, error)

// executeRetryableRead selects a server and runs fn on it. When fn fails with
// a retryable error, retries were requested and the selected server supports
// them, the server is re-selected (possibly landing elsewhere) and fn runs
// exactly one more time.
//
// On success the channel fn ran on is returned alive and is owned by the
// caller; on failure every acquired channel has been closed.
func executeRetryableRead(ctx context.Context, binding Binding, rp *readpref.ReadPref, retry bool, fn commandFn) ([]byte, Channel, error) {
	channel, err := binding.SelectServer(ctx, rp)
	if err != nil {
		return nil, nil, err
	}

	retrySupported := channel.Description().SupportsSessions()

	reply, err := fn(ctx, channel)
	if err == nil {
		return reply, channel, nil
	}

	if !retry || !retrySupported || !IsRetryableRead(err) {
		_ = channel.Close()
		return nil, nil, err
	}

	grip.Debug(message.Fields{
		"message": "retrying read after retryable error",
		"error":   err.Error(),
		"server":  channel.Description().Addr.String(),
	})
	_ = channel.Close()

	channel, selErr := binding.SelectServer(ctx, rp)
	if selErr != nil {
		return nil, nil, selErr
	}
	if !channel.Description().SupportsSessions() {
		// The second server cannot honor the retry contract; surface the
		// original failure.
		_ = channel.Close()
		return nil, nil, err
	}

	reply, err = fn(ctx, channel)
	if err != nil {
		_ = channel.Close()
		return nil, nil, err
	}

	return reply, channel, nil
}
