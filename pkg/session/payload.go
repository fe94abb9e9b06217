package session

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/televisita/telecall/pkg/signal"
)

// OfferPayload carries an SDP offer. Generation tags which negotiation
// attempt produced it, so answers and candidates from an abandoned attempt
// can be discarded.
type OfferPayload struct {
	SDP        string `json:"sdp"`
	Type       string `json:"type"`
	Generation uint64 `json:"generation"`
}

// AnswerPayload carries an SDP answer for the offer of the same generation.
type AnswerPayload struct {
	SDP        string `json:"sdp"`
	Type       string `json:"type"`
	Generation uint64 `json:"generation"`
}

// CandidatePayload carries one trickled ICE candidate.
type CandidatePayload struct {
	Candidate  webrtc.ICECandidateInit `json:"candidate"`
	Generation uint64                  `json:"generation"`
}

// CallInfoPayload rides on incoming-call so the callee can show who is
// dialing before accepting.
type CallInfoPayload struct {
	CallerName string `json:"callerName,omitempty"`
}

func encodePayload(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

func decodePayload(msg signal.Message, v any) error {
	if len(msg.Data) == 0 {
		return fmt.Errorf("%s: empty payload", msg.Type)
	}
	if err := json.Unmarshal(msg.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", msg.Type, err)
	}
	return nil
}
