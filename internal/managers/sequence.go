package managers

import (
	"encoding/json"
	"fmt"
)

// sequence is a single-node behaviors sequence.
type sequence struct {
	Type       string
	Parameters map[string]any
}

// previewBody builds the payload of /api/behaviors/preview. The sequence is
// sent as a JSON string inside the JSON body.
func previewBody(behaviorID string, seq sequence) (map[string]string, error) {
	doc := map[string]any{
		"@type": "com.amazon.alexa.behaviors.model.Sequence",
		"startNode": map[string]any{
			"@type":            "com.amazon.alexa.behaviors.model.OpaquePayloadOperationNode",
			"type":             seq.Type,
			"operationPayload": seq.Parameters,
		},
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode sequence: %w", err)
	}

	return map[string]string{
		"behaviorId":   behaviorID,
		"sequenceJson": string(raw),
		"status":       "ENABLED",
	}, nil
}
