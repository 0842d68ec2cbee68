package message

// Action is the kind of change a store reports for a message.
type Action int

const (
	Created Action = iota
	Updated
	Deleted
	Sending
	Sent
	SendFailed
	SendFailedWillRetry
)

func (a Action) String() string {
	switch a {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	case Sending:
		return "sending"
	case Sent:
		return "sent"
	case SendFailed:
		return "send_failed"
	case SendFailedWillRetry:
		return "send_failed_will_retry"
	default:
		return "unknown"
	}
}

// OutboxStatus maps send lifecycle actions to the status names host
// applications see for outgoing messages.
func (a Action) OutboxStatus() string {
	switch a {
	case Sending:
		return "SENDING"
	case Sent:
		return "SENT"
	case SendFailed:
		return "FAILED"
	case SendFailedWillRetry:
		return "FAILED_WILL_RETRY"
	default:
		return ""
	}
}
