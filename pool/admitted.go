// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pool

import (
	"context"

	"github.com/grailbio/pio/admit"
	"github.com/grailbio/pio/errors"
)

// Admitted wraps a Pool with an admission controller, so that OOM
// pressure -- tracked via the controller's own token budget rather
// than the wrapped Pool's stats, since Pool.Acquire has no context
// argument to block on -- throttles new allocations instead of
// letting every caller race the underlying allocator at once.
type Admitted struct {
	Pool
	ctx    context.Context
	policy admit.Policy
}

// NewAdmitted wraps pool with a controller that starts at start
// tokens and can grow to limit tokens as long as acquisitions
// succeed, per admit.Controller.
func NewAdmitted(ctx context.Context, pool Pool, start, limit int) *Admitted {
	return &Admitted{Pool: pool, ctx: ctx, policy: admit.Controller(start, limit)}
}

// Acquire admits the request through the wrapped controller before
// delegating to the underlying Pool. While the controller is over
// capacity, Acquire waits until it admits the request or a.ctx is
// done, and then returns a.ctx's error. An admit.ErrOverCapacity
// returned by the underlying Pool is given kind errors.OOM.
func (a *Admitted) Acquire(n int) (block []byte, err error) {
	doErr := admit.Do(a.ctx, a.policy, n, func() error {
		block, err = a.Pool.Acquire(n)
		return err
	})
	if doErr == admit.ErrOverCapacity {
		return nil, errors.E(errors.OOM, "pool.Acquire", doErr)
	}
	if doErr != nil {
		return nil, doErr
	}
	return block, err
}
