package session

import (
	"context"
	"errors"
	"time"
)

// Backoff yields doubling delays from Initial up to Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	next time.Duration
}

func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = time.Second
	}
	if max < initial {
		max = initial
	}
	return &Backoff{Initial: initial, Max: max}
}

func (b *Backoff) Next() time.Duration {
	if b.next == 0 {
		b.next = b.Initial
	}
	d := b.next
	b.next *= 2
	if b.next > b.Max {
		b.next = b.Max
	}
	return d
}

func (b *Backoff) Reset() {
	b.next = 0
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Maintain reconnects the session each time its stream is lost, waiting
// between attempts according to b. It returns when ctx is done or the
// session is closed.
func (s *Session) Maintain(ctx context.Context, b *Backoff) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		case <-s.lost:
		}

		for {
			d := b.Next()
			s.logger.Infof("Reconnecting in %s", d)
			if err := sleep(ctx, d); err != nil {
				return err
			}

			err := s.Reconnect(ctx)
			if err == nil {
				b.Reset()
				break
			}
			if errors.Is(err, ErrRoomClosed) {
				return nil
			}
			s.logger.Warnf("Reconnect failed: %v", err)
			// A failed dial already queued a lost signal; drain it so the
			// next round starts from this loop.
			select {
			case <-s.lost:
			default:
			}
		}
	}
}
