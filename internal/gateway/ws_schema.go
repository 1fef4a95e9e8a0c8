package gateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const wsActionSchema = `{
	"type": "object",
	"required": ["action"],
	"properties": {
		"action": {
			"type": "string",
			"enum": ["new_session", "resume_session", "send", "approve_tool"]
		}
	}
}`

var wsActionSchemas = map[string]string{
	"new_session": `{
		"type": "object",
		"properties": {
			"action": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	"resume_session": `{
		"type": "object",
		"required": ["session_id"],
		"properties": {
			"action": {"type": "string"},
			"session_id": {"type": "string", "minLength": 1}
		},
		"additionalProperties": false
	}`,
	"send": `{
		"type": "object",
		"required": ["text"],
		"properties": {
			"action": {"type": "string"},
			"text": {"type": "string", "minLength": 1},
			"session_id": {"type": "string"}
		},
		"additionalProperties": false
	}`,
	"approve_tool": `{
		"type": "object",
		"required": ["call_id", "response"],
		"properties": {
			"action": {"type": "string"},
			"call_id": {"type": "string", "minLength": 1},
			"response": {"type": "string"}
		},
		"additionalProperties": false
	}`,
}

type wsSchemaRegistry struct {
	once    sync.Once
	initErr error
	action  *jsonschema.Schema
	actions map[string]*jsonschema.Schema
}

var wsSchemas wsSchemaRegistry

func initWSSchemas() error {
	wsSchemas.once.Do(func() {
		compiled, err := jsonschema.CompileString("ws_action", wsActionSchema)
		if err != nil {
			wsSchemas.initErr = err
			return
		}
		wsSchemas.action = compiled

		wsSchemas.actions = make(map[string]*jsonschema.Schema, len(wsActionSchemas))
		for name, schema := range wsActionSchemas {
			compiled, err := jsonschema.CompileString("ws_action_"+name, schema)
			if err != nil {
				wsSchemas.initErr = err
				return
			}
			wsSchemas.actions[name] = compiled
		}
	})
	return wsSchemas.initErr
}

// validateWSAction checks an inbound frame against the action envelope
// and the per-action schema, returning the action name.
func validateWSAction(raw []byte) (string, error) {
	if err := initWSSchemas(); err != nil {
		return "", err
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return "", fmt.Errorf("invalid JSON: %w", err)
	}
	if err := wsSchemas.action.Validate(payload); err != nil {
		return "", err
	}
	obj, ok := payload.(map[string]any)
	if !ok {
		return "", fmt.Errorf("frame is not an object")
	}
	action, _ := obj["action"].(string)
	if schema := wsSchemas.actions[action]; schema != nil {
		if err := schema.Validate(payload); err != nil {
			return "", err
		}
	}
	return action, nil
}
