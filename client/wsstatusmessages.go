package client

import (
	"encoding/json"
)

// Streaming event types
const (
	EventStatus               = "status"
	EventExecutionStart       = "execution_start"
	EventExecutionCached      = "execution_cached"
	EventExecuting            = "executing"
	EventProgress             = "progress"
	EventExecuted             = "executed"
	EventExecutionSuccess     = "execution_success"
	EventExecutionInterrupted = "execution_interrupted"
	EventExecutionError       = "execution_error"
)

type WSStatusMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func (sm *WSStatusMessage) UnmarshalJSON(b []byte) error {
	// Unmarshal into an anonymous type equivalent to StatusMessage
	// to avoid infinite recursion
	var temp struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &temp); err != nil {
		return err
	}

	sm.Type = temp.Type

	// Determine the type of Data and unmarshal it accordingly
	switch sm.Type {
	case EventStatus:
		sm.Data = &WSMessageDataStatus{}
	case EventExecutionStart:
		sm.Data = &WSMessageDataExecutionStart{}
	case EventExecutionCached:
		sm.Data = &WSMessageDataExecutionCached{}
	case EventExecuting:
		sm.Data = &WSMessageDataExecuting{}
	case EventProgress:
		sm.Data = &WSMessageDataProgress{}
	case EventExecuted:
		sm.Data = &WSMessageDataExecuted{}
	case EventExecutionSuccess:
		sm.Data = &WSMessageDataExecutionSuccess{}
	case EventExecutionInterrupted:
		sm.Data = &WSMessageExecutionInterrupted{}
	case EventExecutionError:
		sm.Data = &WSMessageExecutionError{}
	default:
		// unknown types are kept with no data
		sm.Data = nil
	}

	if sm.Data != nil && len(temp.Data) > 0 {
		if err := json.Unmarshal(temp.Data, sm.Data); err != nil {
			return err
		}
	}

	return nil
}

// PromptID returns the prompt the message refers to, or "" when it carries none.
func (sm *WSStatusMessage) PromptID() string {
	switch d := sm.Data.(type) {
	case *WSMessageDataExecutionStart:
		return d.PromptID
	case *WSMessageDataExecutionCached:
		return d.PromptID
	case *WSMessageDataExecuting:
		return d.PromptID
	case *WSMessageDataProgress:
		return d.PromptID
	case *WSMessageDataExecuted:
		return d.PromptID
	case *WSMessageDataExecutionSuccess:
		return d.PromptID
	case *WSMessageExecutionInterrupted:
		return d.PromptID
	case *WSMessageExecutionError:
		return d.PromptID
	}
	return ""
}

// IsCompletion reports whether the message is the end-of-execution signal for
// promptID: an "executing" event with no node.
func (sm *WSStatusMessage) IsCompletion(promptID string) bool {
	d, ok := sm.Data.(*WSMessageDataExecuting)
	return ok && d.Node == nil && d.PromptID == promptID
}

type WSMessageDataStatus struct {
	Status struct {
		ExecInfo struct {
			QueueRemaining int `json:"queue_remaining"`
		} `json:"exec_info"`
	} `json:"status"`
	SID string `json:"sid,omitempty"`
}

/*
{"type": "status", "data": {"status": {"exec_info": {"queue_remaining": 1}}, "sid": "6b1c..."}}
*/

type WSMessageDataExecutionStart struct {
	PromptID string `json:"prompt_id"`
}

/*
{"type": "execution_start", "data": {"prompt_id": "ed986d60-2a27-4d28-8871-2fdb36582902"}}
*/

type WSMessageDataExecutionCached struct {
	Nodes    []string `json:"nodes"`
	PromptID string   `json:"prompt_id"`
}

/*
{"type": "execution_cached", "data": {"nodes": [], "prompt_id": "ed986d60-2a27-4d28-8871-2fdb36582902"}}
*/

type WSMessageDataExecuting struct {
	Node        *string `json:"node"`
	DisplayNode *string `json:"display_node,omitempty"`
	PromptID    string  `json:"prompt_id"`
}

/*
{"type": "executing", "data": {"node": "12", "prompt_id": "ed986d60-2a27-4d28-8871-2fdb36582902"}}
{"type": "executing", "data": {"node": null, "prompt_id": "ed986d60-2a27-4d28-8871-2fdb36582902"}}
*/

type WSMessageDataProgress struct {
	Value    int    `json:"value"`
	Max      int    `json:"max"`
	PromptID string `json:"prompt_id,omitempty"`
	Node     string `json:"node,omitempty"`
}

/*
{"type": "progress", "data": {"value": 1, "max": 20, "prompt_id": "...", "node": "81"}}
*/

type WSMessageDataExecuted struct {
	Node     string                  `json:"node"`
	Output   map[string][]DataOutput `json:"output"`
	PromptID string                  `json:"prompt_id"`
}

func (mde *WSMessageDataExecuted) UnmarshalJSON(b []byte) error {
	var temp struct {
		Node      string                     `json:"node"`
		OutputRaw map[string]json.RawMessage `json:"output"`
		PromptID  string                     `json:"prompt_id"`
	}
	if err := json.Unmarshal(b, &temp); err != nil {
		return err
	}

	mde.Node = temp.Node
	mde.PromptID = temp.PromptID
	mde.Output = make(map[string][]DataOutput)
	for k, v := range temp.OutputRaw {
		if items, ok := decodeDataOutputs(v); ok {
			mde.Output[k] = items
		}
	}
	return nil
}

/*
{"type": "executed", "data": {"node": "62", "output": {"gifs": [{"filename": "AnimateDiff_00001.mp4", "subfolder": "", "type": "output", "format": "video/h264-mp4"}]}, "prompt_id": "ed986d60-2a27-4d28-8871-2fdb36582902"}}
*/

type WSMessageDataExecutionSuccess struct {
	PromptID  string `json:"prompt_id"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

type WSMessageExecutionInterrupted struct {
	PromptID string   `json:"prompt_id"`
	Node     string   `json:"node_id"`
	NodeType string   `json:"node_type"`
	Executed []string `json:"executed"`
}

/*
{"type": "execution_interrupted", "data": {"prompt_id": "dc7093d7-980a-4fe6-bf0c-f6fef932c74b", "node_id": "19", "node_type": "SaveImage", "executed": ["5", "17", "10", "11"]}}
*/

type WSMessageExecutionError struct {
	PromptID         string      `json:"prompt_id"`
	Node             string      `json:"node_id"`
	NodeType         string      `json:"node_type"`
	Executed         []string    `json:"executed"`
	ExceptionMessage string      `json:"exception_message"`
	ExceptionType    string      `json:"exception_type"`
	Traceback        []string    `json:"traceback"`
	CurrentInputs    interface{} `json:"current_inputs"`
	CurrentOutputs   interface{} `json:"current_outputs"`
}
