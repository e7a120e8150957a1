/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package latestonlychannel

import "context"

// Wrap creates a channel pipe which never holds more than one pending value.
// Values received on the input while an older value is still waiting to be
// read replace it.  Close the input channel to release the pipe.
func Wrap[T any](inputCh <-chan T) <-chan T {
	return WrapContext(context.Background(), inputCh)
}

// WrapContext behaves like Wrap but additionally releases the pipe, closing
// the output channel, once ctx is done.  Senders which may outlive the reader
// should select on the same ctx rather than closing the input channel.
func WrapContext[T any](ctx context.Context, inputCh <-chan T) <-chan T {
	outputCh := make(chan T)

	go func() {
		defer close(outputCh)

		for {
			var latest T
			select {
			case value, ok := <-inputCh:
				if !ok {
					return
				}
				latest = value
			case <-ctx.Done():
				return
			}

			// keep accepting input while the reader is busy, so that senders
			// never block on us and the reader only sees the newest value
		SendLoop:
			for {
				select {
				case outputCh <- latest:
					break SendLoop
				case value, ok := <-inputCh:
					if !ok {
						return
					}
					latest = value
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return outputCh
}

// Trigger is a non-blocking, coalescing signal carrying the most recent value.
type Trigger[T any] struct {
	ctx     context.Context
	inputCh chan T
	C       <-chan T
}

// NewTrigger creates a Trigger which stops delivering once ctx is done.
func NewTrigger[T any](ctx context.Context) *Trigger[T] {
	inputCh := make(chan T)
	return &Trigger[T]{
		ctx:     ctx,
		inputCh: inputCh,
		C:       WrapContext[T](ctx, inputCh),
	}
}

// Signal delivers value to the reader of C, replacing any value which has not
// been read yet.  It returns false if the trigger has been shut down.
func (t *Trigger[T]) Signal(value T) bool {
	select {
	case t.inputCh <- value:
		return true
	case <-t.ctx.Done():
		return false
	}
}
