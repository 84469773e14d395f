package events

import "encoding/json"

// DeadLetter is the message published to DeadLetterTopic.
type DeadLetter struct {
	OriginalRoutingKey string          `json:"originalRoutingKey"`
	RejectionReason    string          `json:"rejectionReason"`
	OriginalPayload    json.RawMessage `json:"originalPayload"`
}

// RawPayload keeps JSON payloads verbatim and encodes anything else as a
// JSON string.
func RawPayload(payload []byte) json.RawMessage {
	if json.Valid(payload) {
		return json.RawMessage(payload)
	}

	encoded, _ := json.Marshal(string(payload))

	return encoded
}
