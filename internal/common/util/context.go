package util

import (
	"context"
	"time"
)

// CloseToDeadline reports whether ctx's deadline falls within tolerance from now.
func CloseToDeadline(ctx context.Context, tolerance time.Duration) bool {
	deadline, exists := ctx.Deadline()
	return exists && deadline.Before(time.Now().Add(tolerance))
}
