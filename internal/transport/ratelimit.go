// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transport

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// maxBurstSize caps a single rate-limiter reservation so a large write
// does not require an enormous token reservation up front.
const maxBurstSize = 256 * 1024

// RateLimitedWriter wraps an io.Writer with a token-bucket rate limit,
// grounded on the teacher's ThrottledWriter (internal/agent/throttle.go):
// oversized writes are chunked so the limiter is consulted incrementally
// rather than reserving the whole write's worth of tokens at once.
type RateLimitedWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

// NewRateLimitedWriter wraps w with a bytesPerSec token-bucket limit. A
// non-positive bytesPerSec returns w unchanged (bypass).
func NewRateLimitedWriter(ctx context.Context, w io.Writer, bytesPerSec int64) io.Writer {
	if bytesPerSec <= 0 {
		return w
	}
	burst := int(bytesPerSec)
	if burst > maxBurstSize {
		burst = maxBurstSize
	}
	return &RateLimitedWriter{
		w:       w,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSec), burst),
		ctx:     ctx,
	}
}

func (rw *RateLimitedWriter) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		chunk := len(p)
		if chunk > rw.limiter.Burst() {
			chunk = rw.limiter.Burst()
		}
		if err := rw.limiter.WaitN(rw.ctx, chunk); err != nil {
			return total, err
		}
		n, err := rw.w.Write(p[:chunk])
		total += n
		if err != nil {
			return total, err
		}
		p = p[n:]
	}
	return total, nil
}
