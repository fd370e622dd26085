package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"animebot/internal/observability/metrics"
	logx "animebot/pkg/logx"
)

// slowRequest promotes a successful request's log line from debug to info.
const slowRequest = 750 * time.Millisecond

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h so that m[0] runs first.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// errPanic marks a handler error produced by a recovered panic.
var errPanic = errors.New("handler panicked")

func MWTimeout(d time.Duration) Middleware {
	if d <= 0 {
		return func(next HandlerFunc) HandlerFunc { return next }
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, req)
		}
	}
}

// MWPanicRecover turns a handler panic into an error wrapping errPanic.
func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				requestLogger(log, req).Error("handler panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				err = fmt.Errorf("%w: %v", errPanic, r)
			}()
			return next(ctx, req)
		}
	}
}

// MWRequestLog logs each request once it finishes and counts it per route.
func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			took := time.Since(start)

			outcome := requestOutcome(err)
			metrics.Requests.WithLabelValues(req.Command, outcome).Inc()

			logger := requestLogger(log, req)
			fields := []logx.Field{
				logx.String("kind", string(req.Update.Kind)),
				logx.String("outcome", outcome),
				logx.Duration("dur", took),
			}
			switch {
			case err != nil:
				logger.Warn("request failed", append(fields, logx.Err(err))...)
			case took >= slowRequest:
				logger.Info("slow request", fields...)
			default:
				logger.Debug("request handled", fields...)
			}
			return err
		}
	}
}

func requestOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, errPanic):
		return "panic"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

// requestLogger prefers the request's own logger, which already carries
// the request id, chat and command.
func requestLogger(fallback logx.Logger, req *Request) logx.Logger {
	if req != nil && !req.Logger.IsZero() {
		return req.Logger
	}
	return fallback.With(logx.String("cmd", reqCommand(req)))
}

func reqCommand(req *Request) string {
	if req == nil {
		return ""
	}
	return req.Command
}
