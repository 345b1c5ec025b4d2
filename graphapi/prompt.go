package graphapi

// Prompt is the data that is enqueued to an instance of ComfyUI
type Prompt struct {
	ClientID string                 `json:"client_id"`
	Nodes    map[string]*PromptNode `json:"prompt"`
}

type PromptNode struct {
	// Inputs can be one of:
	//	json.Number or float64
	//	string
	//	bool
	//	[]interface{} where: [0] is string of target node
	//					     [1] is the output slot index
	Inputs    map[string]interface{} `json:"inputs"`
	ClassType string                 `json:"class_type"`
	Meta      map[string]interface{} `json:"_meta,omitempty"`
}

// Title returns the node title stored in the node's _meta block, falling back to
// the class type.
func (n *PromptNode) Title() string {
	if n.Meta != nil {
		if t, ok := n.Meta["title"].(string); ok && t != "" {
			return t
		}
	}
	return n.ClassType
}

func (n *PromptNode) clone() *PromptNode {
	retv := &PromptNode{
		ClassType: n.ClassType,
		Inputs:    copyMap(n.Inputs),
	}
	if n.Meta != nil {
		retv.Meta = copyMap(n.Meta)
	}
	return retv
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return make(map[string]interface{})
	}
	retv := make(map[string]interface{}, len(m))
	for k, v := range m {
		retv[k] = copyValue(v)
	}
	return retv
}

// copyValue deep copies the values produced by decoding JSON into interface{}.
func copyValue(v interface{}) interface{} {
	switch value := v.(type) {
	case map[string]interface{}:
		return copyMap(value)
	case []interface{}:
		retv := make([]interface{}, len(value))
		for i, e := range value {
			retv[i] = copyValue(e)
		}
		return retv
	default:
		// strings, numbers, bools and nil are immutable
		return value
	}
}
