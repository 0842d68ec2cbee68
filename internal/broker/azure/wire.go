package azure

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	contentTypeAtomEntry = "application/atom+xml; type=entry; charset=utf-8"
	contentTypeXML       = "application/xml; charset=utf-8"
	contentTypeMessage   = "application/json; type=entry; charset=utf-8"
	contentTypeForm      = "application/x-www-form-urlencoded"

	headerBrokerProperties = "BrokerProperties"

	atomNS        = "http://www.w3.org/2005/Atom"
	serviceBusNS  = "http://schemas.microsoft.com/netservices/2010/10/servicebus/connect"
	xsiNS         = "http://www.w3.org/2001/XMLSchema-instance"
	lockDuration  = "PT5M"
	atomEntryTmpl = `<entry xmlns="` + atomNS + `"><title type="text">%s</title><content type="application/xml">%s</content></entry>`
)

var (
	ErrNegativeTTL = errors.New("message has expired")
	ErrMissingLock = errors.New("received message without id or lock token")
)

func atomEntry(title, description string) []byte {
	var esc bytes.Buffer
	_ = xml.EscapeText(&esc, []byte(title))
	return []byte(fmt.Sprintf(atomEntryTmpl, esc.String(), description))
}

func queueDescription(name string) []byte {
	return atomEntry(name, `<QueueDescription xmlns:i="`+xsiNS+`" xmlns="`+serviceBusNS+`" />`)
}

func topicDescription(name string) []byte {
	return atomEntry(name, `<TopicDescription xmlns:i="`+xsiNS+`" xmlns="`+serviceBusNS+`" />`)
}

func subscriptionDescription(name string) []byte {
	return atomEntry(name, `<SubscriptionDescription xmlns:i="`+xsiNS+`" xmlns="`+serviceBusNS+`">`+
		`<LockDuration>`+lockDuration+`</LockDuration>`+
		`<RequiresSession>false</RequiresSession>`+
		`</SubscriptionDescription>`)
}

// sendProperties is the BrokerProperties header on a send.
type sendProperties struct {
	TimeToLive int64 `json:"TimeToLive"`
}

func encodeSendProperties(ttl time.Duration) string {
	b, _ := json.Marshal(sendProperties{TimeToLive: int64(ttl / time.Second)})
	return string(b)
}

// receivedProperties is the part of the BrokerProperties response header a receive needs.
type receivedProperties struct {
	MessageID string `json:"MessageId"`
	LockToken string `json:"LockToken"`
}

// heldLock identifies a peek-locked message that still has to be deleted.
type heldLock struct {
	MessageID string
	LockToken string
}

func decodeReceivedProperties(header string) (heldLock, error) {
	if strings.TrimSpace(header) == "" {
		return heldLock{}, fmt.Errorf("%w: no %s header", ErrMissingLock, headerBrokerProperties)
	}
	var p receivedProperties
	if err := json.Unmarshal([]byte(header), &p); err != nil {
		return heldLock{}, fmt.Errorf("decode %s: %w", headerBrokerProperties, err)
	}
	if p.MessageID == "" {
		return heldLock{}, fmt.Errorf("%w: no message id", ErrMissingLock)
	}
	if p.LockToken == "" {
		return heldLock{}, fmt.Errorf("%w: no lock token", ErrMissingLock)
	}
	return heldLock{MessageID: p.MessageID, LockToken: p.LockToken}, nil
}
