package procurement

import (
	"context"

	"golang.org/x/sync/singleflight"
)

var orderReadGroup singleflight.Group

// singleflightRead coalesces concurrent reads of the same key. The caller's
// context only bounds its own wait.
func singleflightRead(ctx context.Context, key string, fn func(context.Context) (interface{}, error)) (interface{}, error, bool) {
	resultChan := orderReadGroup.DoChan(key, func() (interface{}, error) {
		return fn(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err(), false
	case res := <-resultChan:
		return res.Val, res.Err, res.Shared
	}
}
