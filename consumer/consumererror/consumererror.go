// Copyright The Telemetry Relay Authors
// SPDX-License-Identifier: Apache-2.0

// Package consumererror classifies errors crossing pipeline stage boundaries.
package consumererror // import "github.com/lee-liao/telemetry-relay/consumer/consumererror"

import "errors"

// ErrRefused is returned to receivers when the memory limiter is shedding
// load. Receivers translate it into a protocol level backpressure signal.
var ErrRefused = errors.New("telemetry refused due to high memory usage")

// permanent is an error that will always be returned if its source receives
// the same input.
type permanent struct {
	err error
}

// Permanent wraps an error to indicate that it is not retryable: delivering
// the same batch again will fail the same way. The exporter retry logic drops
// the batch immediately on permanent errors.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanent{err: err}
}

func (p permanent) Error() string { return "permanent error: " + p.err.Error() }

func (p permanent) Unwrap() error { return p.err }

// IsPermanent reports whether any error in err's chain is permanent.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	return errors.As(err, &permanent{})
}
