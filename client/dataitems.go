package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
)

// There may be other DataOutput types.  Text outputs are carried in the Text field

type DataOutput struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
	Format    string `json:"format,omitempty"`
	Text      string `json:"-"` // for "text" type data output
}

// Output categories reported in a node's history outputs
const (
	OutputGifs   = "gifs" // VHS_VideoCombine
	OutputImages = "images"
)

type SystemStats struct {
	System  System `json:"system"`
	Devices []GPU  `json:"devices"`
}

type System struct {
	OS             string `json:"os"`
	PythonVersion  string `json:"python_version"`
	EmbeddedPython bool   `json:"embedded_python"`
	ComfyUIVersion string `json:"comfyui_version,omitempty"`
}

type GPU struct {
	Name             string `json:"name"`
	Type             string `json:"type"`
	Index            int    `json:"index"`
	VRAM_Total       int64  `json:"vram_total"`
	VRAM_Free        int64  `json:"vram_free"`
	Torch_VRAM_Total int64  `json:"torch_vram_total"`
	Torch_VRAM_Free  int64  `json:"torch_vram_free"`
}

// NodeOutput is the recorded output of one node of an executed prompt
type NodeOutput struct {
	NodeID string
	Data   map[string][]DataOutput
}

// Get returns the outputs of the given category
func (n NodeOutput) Get(category string) ([]DataOutput, bool) {
	v, ok := n.Data[category]
	return v, ok
}

type HistoryStatus struct {
	StatusStr string `json:"status_str"`
	Completed bool   `json:"completed"`
}

// PromptHistoryItem is the /history entry of one prompt. Outputs keep the order in
// which the server listed the nodes.
type PromptHistoryItem struct {
	PromptID string
	Outputs  []NodeOutput
	Status   HistoryStatus
}

type PromptError struct {
	Type      string                 `json:"type"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details"`
	ExtraInfo map[string]interface{} `json:"extra_info"`
}

type PromptErrorMessage struct {
	Error      PromptError            `json:"error"`
	NodeErrors map[string]interface{} `json:"node_errors"`
}

// decodeNodeOutputs decodes {"<node id>": {"<category>": [...]}} preserving the
// order of the node ids.
func decodeNodeOutputs(raw json.RawMessage) ([]NodeOutput, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var ordered orderedObject
	if err := json.Unmarshal(raw, &ordered); err != nil {
		return nil, err
	}

	retv := make([]NodeOutput, 0, len(ordered.keys))
	for _, nodeID := range ordered.keys {
		categories := make(map[string]json.RawMessage)
		if err := json.Unmarshal(ordered.values[nodeID], &categories); err != nil {
			return nil, fmt.Errorf("outputs of node %s: %w", nodeID, err)
		}
		out := NodeOutput{NodeID: nodeID, Data: make(map[string][]DataOutput)}
		for k, v := range categories {
			if items, ok := decodeDataOutputs(v); ok {
				out.Data[k] = items
			}
		}
		retv = append(retv, out)
	}
	return retv, nil
}

// decodeDataOutputs decodes one output category. Only lists are data outputs;
// entries must be either file references or raw text.
func decodeDataOutputs(raw json.RawMessage) ([]DataOutput, bool) {
	var list []interface{}
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, false
	}

	retv := make([]DataOutput, 0, len(list))
	for _, i := range list {
		switch entry := i.(type) {
		case map[string]interface{}:
			// ensure the output map has the required fields
			filename, ok := entry["filename"].(string)
			if !ok {
				slog.Warn(fmt.Sprintf("output entry %v has no filename", i))
				continue
			}
			outputentry := DataOutput{Filename: filename}
			// subfolder can be absent
			outputentry.Subfolder, _ = entry["subfolder"].(string)
			outputentry.Type, _ = entry["type"].(string)
			outputentry.Format, _ = entry["format"].(string)
			retv = append(retv, outputentry)
		case string:
			// handle raw text output
			retv = append(retv, DataOutput{Type: "text", Text: entry})
		default:
			// VHS reports flags such as "animated": [true]; those are not data
			continue
		}
	}
	return retv, true
}

// orderedObject is a JSON object whose keys are kept in document order.
type orderedObject struct {
	keys   []string
	values map[string]json.RawMessage
}

func (o *orderedObject) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("expected object, got %v", tok)
	}

	o.values = make(map[string]json.RawMessage)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("expected object key, got %v", tok)
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return err
		}
		if _, seen := o.values[key]; !seen {
			o.keys = append(o.keys, key)
		}
		o.values[key] = value
	}
	_, err = dec.Token()
	return err
}
