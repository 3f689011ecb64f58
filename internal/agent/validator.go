package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/synapsehq/synapse/internal/tools"
	"github.com/synapsehq/synapse/pkg/models"
)

// ValidationError describes one malformed tool_use block.
type ValidationError struct {
	ToolUseID string
	ToolName  string
	Reason    string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("tool_use %s (%s): %s", e.ToolUseID, e.ToolName, e.Reason)
}

// ValidationReport is the outcome of validating one assistant message.
type ValidationReport struct {
	Valid  bool
	Errors []ValidationError
}

// MessageValidator rejects malformed assistant plans before they reach
// history. Checks per tool_use block: input must be an object or array
// (strings and primitives rejected), and the id must be unique within the
// message. When a registry is supplied, inputs are additionally checked
// against the tool's declared JSON schema; schema violations produce errors
// the loop turns into synthetic is_error results rather than crashes.
type MessageValidator struct {
	registry *tools.Registry
	compiled map[string]*jsonschema.Schema
}

// NewMessageValidator creates a validator. registry may be nil, in which
// case only the structural rules apply.
func NewMessageValidator(registry *tools.Registry) *MessageValidator {
	return &MessageValidator{
		registry: registry,
		compiled: make(map[string]*jsonschema.Schema),
	}
}

// Validate checks every tool_use block in the assistant message.
func (v *MessageValidator) Validate(msg *models.Message) ValidationReport {
	var report ValidationReport
	report.Valid = true
	seen := make(map[string]bool)

	for _, block := range msg.Content {
		if block.Type != models.BlockToolUse || block.ToolUse == nil {
			continue
		}
		use := block.ToolUse
		if seen[use.ID] {
			report.append(use, "duplicate tool_use id within message")
			continue
		}
		seen[use.ID] = true

		if reason, ok := checkInputShape(use.Input); !ok {
			report.append(use, reason)
			continue
		}
		if v.registry != nil {
			if reason, ok := v.checkSchema(use); !ok {
				report.append(use, reason)
			}
		}
	}
	return report
}

func (r *ValidationReport) append(use *models.ToolUseBlock, reason string) {
	r.Valid = false
	r.Errors = append(r.Errors, ValidationError{ToolUseID: use.ID, ToolName: use.Name, Reason: reason})
}

// ErrorFor returns the validation error for a tool_use id, if any.
func (r ValidationReport) ErrorFor(toolUseID string) (ValidationError, bool) {
	for _, e := range r.Errors {
		if e.ToolUseID == toolUseID {
			return e, true
		}
	}
	return ValidationError{}, false
}

// checkInputShape enforces that input is a non-null object or array.
func checkInputShape(input json.RawMessage) (string, bool) {
	trimmed := bytes.TrimSpace(input)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return "input is null; expected an object", false
	}
	switch trimmed[0] {
	case '{', '[':
		if !json.Valid(trimmed) {
			return "input is not valid JSON", false
		}
		return "", true
	default:
		return fmt.Sprintf("input must be an object, got %s", jsonTypeName(trimmed[0])), false
	}
}

func jsonTypeName(first byte) string {
	switch first {
	case '"':
		return "string"
	case 't', 'f':
		return "boolean"
	case 'n':
		return "null"
	default:
		return "number"
	}
}

// checkSchema validates input against the tool's declared schema. Tools
// unknown to the registry are left for the execution bridge to report.
func (v *MessageValidator) checkSchema(use *models.ToolUseBlock) (string, bool) {
	tool, ok := v.registry.Get(use.Name)
	if !ok {
		return "", true
	}
	schema, err := v.schemaFor(use.Name, tool.Schema())
	if err != nil || schema == nil {
		return "", true // unusable schema never blocks execution
	}
	var value any
	if err := json.Unmarshal(use.Input, &value); err != nil {
		return "input is not valid JSON: " + err.Error(), false
	}
	if err := schema.Validate(value); err != nil {
		return "input does not match tool schema: " + firstLine(err.Error()), false
	}
	return "", true
}

func (v *MessageValidator) schemaFor(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if schema, ok := v.compiled[name]; ok {
		return schema, nil
	}
	compiler := jsonschema.NewCompiler()
	url := "tool://" + name
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		v.compiled[name] = nil
		return nil, err
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		v.compiled[name] = nil
		return nil, err
	}
	v.compiled[name] = schema
	return schema, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
