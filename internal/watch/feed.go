package watch

import (
	"context"
	"errors"
	"io"
	"time"

	"go.uber.org/zap"
)

// Markers written between rendered events.
const (
	HeartbeatMarker   = "# heartbeat\n"
	EndOfStreamMarker = "# end of stream\n"
)

type flusher interface {
	Flush()
}

// Feed renders a subscription onto a viewer's transport.
type Feed struct {
	sub         *Subscription
	pollTimeout time.Duration
	logger      *zap.SugaredLogger
}

// Run pulls events until ctx is cancelled, a write to w fails, or the
// subscription ends. Idle periods produce heartbeats, never an exit. If w
// implements Flush it is flushed after every write.
func (f *Feed) Run(ctx context.Context, w io.Writer) error {
	for {
		ev, err := f.sub.Next(ctx, f.pollTimeout)
		switch {
		case errors.Is(err, ErrTimeout):
			if err := write(w, []byte(HeartbeatMarker)); err != nil {
				return err
			}
			continue
		case errors.Is(err, ErrClosed):
			return write(w, []byte(EndOfStreamMarker))
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		ok, err := matches(f.sub.filter, ev)
		if err != nil {
			f.logger.Debugf("Watch %s: filter failed on %s: %v", f.sub.ID, ev.Logger, err)
			continue
		}
		if !ok {
			continue
		}
		f.sub.sink.buf.Reset()
		if f.sub.router.Dispatch(ev) == 0 {
			continue
		}
		if err := write(w, f.sub.sink.buf.Bytes()); err != nil {
			return err
		}
	}
}

func write(w io.Writer, p []byte) error {
	if _, err := w.Write(p); err != nil {
		return err
	}
	if fl, ok := w.(flusher); ok {
		fl.Flush()
	}
	return nil
}
