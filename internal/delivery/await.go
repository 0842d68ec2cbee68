package delivery

import (
	"context"

	"courier/internal/message"
	"courier/internal/storage"
)

// AwaitOption tunes AwaitResponse.
type AwaitOption func(*awaitOptions)

type awaitOptions struct {
	reader string
	buffer int
}

// WithReader makes AwaitResponse return an already stored message that reader
// has not read yet, and mark the returned message as read by reader.
func WithReader(name string) AwaitOption {
	return func(o *awaitOptions) { o.reader = name }
}

// WithBuffer sizes the change subscription.
func WithBuffer(n int) AwaitOption {
	return func(o *awaitOptions) {
		if n > 0 {
			o.buffer = n
		}
	}
}

// AwaitResponse blocks until a message arrives in inbox on channel (and
// subchannel, unless empty) or ctx is done.
func AwaitResponse(ctx context.Context, inbox *storage.MessageStore, channel, subchannel string, opts ...AwaitOption) (message.Message, error) {
	o := awaitOptions{buffer: 16}
	for _, opt := range opts {
		opt(&o)
	}
	channel = message.NormalizeChannel(channel)
	subchannel = message.NormalizeChannel(subchannel)

	// Subscribe before looking at what is stored so nothing slips in between.
	changes, unsub := inbox.Subscribe(o.buffer)
	defer unsub()

	if o.reader != "" {
		unread, err := inbox.GetAllUnreadMessages(ctx, channel, subchannel, o.reader)
		if err != nil {
			return message.Message{}, err
		}
		if len(unread) > 0 {
			return markRead(ctx, inbox, unread[0], o.reader)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return message.Message{}, ctx.Err()
		case c, ok := <-changes:
			if !ok {
				return message.Message{}, storage.ErrClosed
			}
			if c.Action != message.Created || c.Message.Channel != channel {
				continue
			}
			if subchannel != "" && c.Message.Subchannel != subchannel {
				continue
			}
			if o.reader == "" {
				return c.Message, nil
			}
			return markRead(ctx, inbox, c.Message, o.reader)
		}
	}
}

func markRead(ctx context.Context, inbox *storage.MessageStore, m message.Message, reader string) (message.Message, error) {
	if _, err := inbox.AddReader(ctx, m.ID, reader); err != nil {
		return m, err
	}
	return m, nil
}
