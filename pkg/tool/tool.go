// Package tool defines structured tool contracts for model tool-use and the
// broker that advertises them in tiers.
//
// Instead of parsing model text output, tools are structured contracts that
// the model fills via tool calls. The broker keeps the default round cheap by
// advertising only a small core set; extended tools are disclosed per intent
// through meta-tools.
package tool

import (
	"context"
	"encoding/json"
)

// Tier partitions tools into the always-advertised core set and the
// on-demand extended set.
type Tier string

const (
	TierCore     Tier = "core"
	TierExtended Tier = "extended"
)

// Mode declares where a tool may execute. Sync tools require the mutation
// goroutine; async tools run on a short-lived helper goroutine.
type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

// Handler executes a tool call. Arguments are the finalized JSON arguments
// from the model. The returned value is marshalled into the tool message.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Definition describes a tool that a model can call.
type Definition struct {
	// Name is the tool identifier (e.g., "get_markdown")
	Name string `json:"name"`

	// Description explains what the tool does (shown to the model)
	Description string `json:"description"`

	// Parameters defines the JSON schema for tool arguments
	Parameters Schema `json:"parameters"`

	// Tier controls whether the tool is always advertised or disclosed
	// on demand.
	Tier Tier `json:"tier"`

	// Intents tags an extended tool for on-demand disclosure.
	Intents []string `json:"intents,omitempty"`

	// Mode declares the execution-thread contract.
	Mode Mode `json:"mode"`

	// Handler executes the tool. Not part of the wire contract.
	Handler Handler `json:"-"`
}

// ToOpenAIFormat converts the definition to OpenAI function calling format.
func (d Definition) ToOpenAIFormat() map[string]any {
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        d.Name,
			"description": d.Description,
			"parameters":  d.Parameters,
		},
	}
}

// Status classifies a tool execution outcome.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Result is the outcome of one tool invocation. A failing execution still
// produces a Result so the model can react to the error.
type Result struct {
	// InvocationID matches the tool call this result answers.
	InvocationID string `json:"invocation_id"`

	Status Status `json:"status"`

	// Payload is the result content (usually JSON) or the error message.
	Payload string `json:"payload"`
}

// NewResult creates a successful result, marshalling non-string payloads.
func NewResult(invocationID string, payload any) (Result, error) {
	var content string
	switch v := payload.(type) {
	case string:
		content = v
	case []byte:
		content = string(v)
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return Result{}, err
		}
		content = string(data)
	}
	return Result{
		InvocationID: invocationID,
		Status:       StatusOK,
		Payload:      content,
	}, nil
}

// NewErrorResult creates a failed result carrying the error message.
func NewErrorResult(invocationID string, err error) Result {
	return Result{
		InvocationID: invocationID,
		Status:       StatusError,
		Payload:      err.Error(),
	}
}
