package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"regent/internal/storage"
)

// Invocation carries per-execution context through the middleware chain.
type Invocation struct {
	ID     string
	Layer  Layer
	Params map[string]any
	ReqID  string
	Logger *slog.Logger
}

type execFunc func(ctx context.Context, inv *Invocation) (any, error)

type middleware func(next execFunc) execFunc

func chain(h execFunc, m ...middleware) execFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

func mwTimeout(d time.Duration) middleware {
	return func(next execFunc) execFunc {
		return func(ctx context.Context, inv *Invocation) (any, error) {
			if d <= 0 {
				return next(ctx, inv)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			res, err := next(cctx, inv)
			if err == nil && cctx.Err() != nil {
				err = cctx.Err()
			}
			return res, err
		}
	}
}

func mwPanicRecover(log *slog.Logger) middleware {
	return func(next execFunc) execFunc {
		return func(ctx context.Context, inv *Invocation) (res any, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger := log
					if inv != nil && inv.Logger != nil {
						logger = inv.Logger
					}
					logger.Error("panic recovered",
						slog.Any("panic", r),
						slog.String("stack", string(debug.Stack())),
					)
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return next(ctx, inv)
		}
	}
}

// mwExecLog appends one execution record per invocation to the store.
// A nil store disables logging without touching the chain.
func mwExecLog(log *slog.Logger, store storage.Store) middleware {
	return func(next execFunc) execFunc {
		return func(ctx context.Context, inv *Invocation) (any, error) {
			start := time.Now()
			res, err := next(ctx, inv)
			took := time.Since(start)

			logger := log
			if inv.Logger != nil {
				logger = inv.Logger
			}
			if err != nil {
				logger.Warn("command failed", slog.String("cmd", inv.ID), slog.Duration("dur", took), slog.String("err", err.Error()))
			} else {
				logger.Info("command ok", slog.String("cmd", inv.ID), slog.Duration("dur", took))
			}

			if store != nil {
				entry := storage.ExecutionEntry{
					At:      start,
					ReqID:   inv.ReqID,
					Command: inv.ID,
					Layer:   string(inv.Layer),
					OK:      err == nil,
					TookMS:  took.Milliseconds(),
				}
				if len(inv.Params) > 0 {
					if b, merr := json.Marshal(inv.Params); merr == nil {
						entry.Params = string(b)
					}
				}
				if err != nil {
					entry.Error = err.Error()
				}
				// Log writes never fail an execution.
				if aerr := store.AppendExecution(ctx, entry); aerr != nil {
					logger.Debug("execution log append failed", slog.String("err", aerr.Error()))
				}
			}
			return res, err
		}
	}
}
