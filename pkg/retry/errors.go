package retry

import "github.com/jzx17/goretry/pkg/types"

// Re-exported so callers of this package need not import pkg/types
var (
	ErrExhausted          = types.ErrExhausted
	ErrRollback           = types.ErrRollback
	ErrBackoffInterrupted = types.ErrBackoffInterrupted
	ErrContextClosed      = types.ErrContextClosed
	ErrForeignContext     = types.ErrForeignContext
	ErrContextInUse       = types.ErrContextInUse
	ErrCacheFull          = types.ErrCacheFull
	ErrCacheKeyCollision  = types.ErrCacheKeyCollision
	ErrInvalidStateKey    = types.ErrInvalidStateKey
)
