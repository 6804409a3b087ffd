package dispatch

// Event types published on the bus.
const (
	EventRecipientDelivered      = "recipient.delivered"
	EventRecipientFailed         = "recipient.failed"
	EventRecipientRetry          = "recipient.retry"
	EventCommunicationReconciled = "communication.reconciled"
	EventCommunicationSent       = "communication.sent"
	EventLeasesReaped            = "communication.reaped"
)

type RecipientEvent struct {
	RunID           string `json:"run_id,omitempty"`
	CommunicationID int64  `json:"communication_id"`
	RecipientID     int64  `json:"recipient_id"`
	Medium          string `json:"medium"`
	Attempt         int    `json:"attempt"`
	Note            string `json:"note,omitempty"`
	ProviderID      string `json:"provider_id,omitempty"`
}

type CommunicationEvent struct {
	RunID           string `json:"run_id,omitempty"`
	CommunicationID int64  `json:"communication_id"`
	Added           int    `json:"added,omitempty"`
	Removed         int    `json:"removed,omitempty"`
	Failed          int64  `json:"failed,omitempty"`
	Reverted        int64  `json:"reverted,omitempty"`
}
