package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"courier/internal/message"
	"courier/internal/storage"
	logx "courier/pkg/logx"
)

const (
	// ResponseTTL keeps posted responses around until a reader removes them.
	ResponseTTL = 100 * 365 * 24 * time.Hour

	// IgnoreResponseSubchannel marks requests whose expiry needs no answer.
	IgnoreResponseSubchannel = "ignoreresponse"

	ErrorTypeExpired    = "expired"
	expiredErrorMessage = "The message has expired"
)

type responseResult struct {
	Result bool   `json:"result"`
	Data   string `json:"data"`
}

type responseContent struct {
	Response     json.RawMessage `json:"response"`
	ErrorType    string          `json:"errorType"`
	ErrorMessage string          `json:"errorMessage"`
	Config       json.RawMessage `json:"config"`
}

// OnMessageExpired runs before an expired row is purged. Expired outbox
// requests get an "expired" response in the inbox when the provider is
// configured to post one.
func (p *Provider) OnMessageExpired(source *storage.MessageStore, m message.Message) {
	if !p.cfg.PostExpiredResponses || source == nil || source.Kind() != storage.Outbox {
		return
	}
	if m.Subchannel == IgnoreResponseSubchannel {
		return
	}
	if err := p.PostResponse(context.Background(), m, nil, ErrorTypeExpired, expiredErrorMessage, ResponseTTL); err != nil {
		p.log.Warn("cannot post expired response", logx.String("id", m.ID), logx.Err(err))
	}
}

// PostResponse answers request m with a new inbox message on the same
// channel. A nil result stands for {"result":false,"data":""}.
func (p *Provider) PostResponse(ctx context.Context, m message.Message, result json.RawMessage, errorType, errorMessage string, ttl time.Duration) error {
	if result == nil {
		b, err := json.Marshal(responseResult{})
		if err != nil {
			return err
		}
		result = b
	}
	content, err := json.Marshal(responseContent{
		Response:     result,
		ErrorType:    errorType,
		ErrorMessage: errorMessage,
		Config:       orNull(m.Content),
	})
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}

	resp := message.New(m.Channel, m.Subchannel, content, nil, ttl, p.Name())
	if _, err := p.stores.Inbox.Add(ctx, resp); err != nil {
		return fmt.Errorf("store response: %w", err)
	}
	p.log.Debug("posted response", logx.String("request", m.ID), logx.String("id", resp.ID), logx.String("error_type", errorType))
	return nil
}

func orNull(c json.RawMessage) json.RawMessage {
	if len(c) == 0 {
		return json.RawMessage("null")
	}
	return c
}
