package redis

import (
	"context"

	"go.uber.org/zap"
)

// WakeChannel is the pub/sub channel workers listen on for new work.
const WakeChannel = "courier:queue:wake"

// Waker publishes and receives queue wake-up hints. Workers still poll, so
// a lost message only delays delivery until the next tick.
type Waker struct {
	client *Client
	logger *zap.Logger
}

func NewWaker(client *Client, logger *zap.Logger) *Waker {
	return &Waker{client: client, logger: logger}
}

// Signal tells listening workers that new entries were committed.
func (w *Waker) Signal(ctx context.Context) error {
	return w.client.rdb.Publish(ctx, WakeChannel, "1").Err()
}

// Listen subscribes to the wake channel and returns a channel that receives
// one value per hint. Bursts are coalesced. The channel is closed when ctx
// is done.
func (w *Waker) Listen(ctx context.Context) <-chan struct{} {
	out := make(chan struct{}, 1)
	sub := w.client.rdb.Subscribe(ctx, WakeChannel)

	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()

	w.logger.Info("listening for queue wake-ups", zap.String("channel", WakeChannel))
	return out
}
