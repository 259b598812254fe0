package protocol

import (
	"encoding/json"
	"fmt"
)

// ErrUnknownType is returned by DecodeMessage for discriminators this host
// does not understand. Callers log and drop the message.
type ErrUnknownType struct {
	TypeName string
}

func (e *ErrUnknownType) Error() string {
	return fmt.Sprintf("unknown message type %q", e.TypeName)
}

type envelope struct {
	Type string `json:"type"`
}

// DecodeMessage performs the two-phase tagged-union decode of a delegate →
// host message: read the discriminator, then unmarshal the matching struct.
// The returned value is a pointer to one of the payload structs in this
// package; dispatchers type-switch on it.
func DecodeMessage(data []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed message: %w", err)
	}

	var msg any
	switch env.Type {
	case TypeDelegateAuth:
		msg = &DelegateAuth{}
	case TypeToolManifest:
		msg = &ToolManifest{}
	case TypeToolCallResponse:
		msg = &ToolCallResponse{}
	case TypeTriggerInference:
		msg = &TriggerInference{}
	case TypePing:
		msg = &Ping{}
	case TypeHello:
		msg = &Hello{}
	case TypeBeforeInferenceResponse:
		msg = &BeforeInferenceResponse{}
	case TypeAfterInferenceAck:
		msg = &AfterInferenceAck{}
	case TypePushEvent:
		msg = &PushEvent{}
	case TypeInferenceRequest:
		msg = &InferenceRequest{}
	case TypeScopeChangeRequest:
		msg = &ScopeChangeRequest{}
	case TypeScopeElevateRequest:
		msg = &ScopeElevateRequest{}
	case TypeConnectServerResult:
		msg = &ConnectServerResult{}
	case TypeFeatureSetsChanged:
		msg = &FeatureSetsChanged{}
	case TypeStateSet:
		msg = &StateSet{}
	case TypeStatePatch:
		msg = &StatePatch{}
	case TypeStateRollback:
		msg = &StateRollback{}
	case TypeStateGet:
		msg = &StateGet{}
	case TypeCheckpointList:
		msg = &CheckpointList{}
	case TypeModelInfoRequest:
		msg = &ModelInfoRequest{}
	default:
		return nil, &ErrUnknownType{TypeName: env.Type}
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", env.Type, err)
	}
	return msg, nil
}

// IsFrame reports whether raw is a reliable frame (an object with a
// numeric "seq" field) as opposed to a legacy unframed message.
func IsFrame(raw []byte) bool {
	var probe struct {
		Seq *uint64 `json:"seq"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.Seq != nil
}
