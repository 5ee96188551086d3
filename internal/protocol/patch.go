package protocol

import "encoding/json"

// PatchInteractiveMessage rewrites interactive button/list messages into a
// view-once wrapper so older mobile clients render them. Anything else, and
// anything that fails to parse, passes through untouched.
func PatchInteractiveMessage(body json.RawMessage) json.RawMessage {
	var content map[string]json.RawMessage
	if err := json.Unmarshal(body, &content); err != nil {
		return body
	}
	_, hasButtons := content["buttonsMessage"]
	_, hasList := content["listMessage"]
	if !hasButtons && !hasList {
		return body
	}

	inner := map[string]json.RawMessage{
		"messageContextInfo": json.RawMessage(
			`{"deviceListMetadataVersion":2,"deviceListMetadata":{}}`,
		),
	}
	for k, v := range content {
		inner[k] = v
	}
	wrapped, err := json.Marshal(map[string]any{
		"viewOnceMessage": map[string]any{
			"message": inner,
		},
	})
	if err != nil {
		return body
	}
	return wrapped
}
