package graphapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"os"

	"github.com/richinsley/comfy2go-worker/internal/errkind"
)

// Workflow is an API-format ComfyUI workflow: a map of node id to node, as produced by
// "Save (API Format)". A Workflow loaded from disk is treated as a read-only template;
// job specific values are only ever written into a Clone.
type Workflow struct {
	nodes map[string]*PromptNode
}

// LoadWorkflow decodes an API-format workflow. Numbers are kept as json.Number so
// large integer inputs such as seeds survive unchanged.
func LoadWorkflow(r io.Reader) (*Workflow, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	nodes := make(map[string]*PromptNode)
	if err := dec.Decode(&nodes); err != nil {
		return nil, errkind.Wrap(err, errkind.KindConfiguration, "workflow.decode", "invalid workflow document")
	}
	if len(nodes) == 0 {
		return nil, errkind.New(errkind.KindConfiguration, "workflow.decode", "workflow document has no nodes")
	}
	for id, n := range nodes {
		if n == nil {
			return nil, errkind.Newf(errkind.KindConfiguration, "workflow.decode", "workflow node %s is empty", id)
		}
		if n.Inputs == nil {
			n.Inputs = make(map[string]interface{})
		}
	}
	return &Workflow{nodes: nodes}, nil
}

// LoadWorkflowFile reads a workflow from path.
func LoadWorkflowFile(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errkind.Wrap(err, errkind.KindResourceNotFound, "workflow.load", "workflow file not found")
		}
		return nil, errkind.Wrap(err, errkind.KindConfiguration, "workflow.load", "failed to load workflow file")
	}
	return LoadWorkflow(bytes.NewReader(data))
}

// Clone returns a deep copy of the workflow.
func (w *Workflow) Clone() *Workflow {
	retv := &Workflow{nodes: make(map[string]*PromptNode, len(w.nodes))}
	for id, n := range w.nodes {
		retv.nodes[id] = n.clone()
	}
	return retv
}

// Node returns the node with the given id, or nil.
func (w *Workflow) Node(id string) *PromptNode {
	return w.nodes[id]
}

// ToPrompt builds the body for POST /prompt from a copy of the nodes, so
// changes to the body never reach w.
func (w *Workflow) ToPrompt(clientID string) Prompt {
	return Prompt{
		ClientID: clientID,
		Nodes:    w.Clone().nodes,
	}
}

// MarshalJSON encodes the workflow in API format.
func (w *Workflow) MarshalJSON() ([]byte, error) {
	return json.Marshal(w.nodes)
}

// CheckBindings verifies that every binding target exists in the workflow, so a
// template that changed shape is reported before any job value is written.
func (w *Workflow) CheckBindings() error {
	for _, b := range Bindings {
		if _, err := w.lookup(b); err != nil {
			return err
		}
	}
	return nil
}

func (w *Workflow) lookup(b Binding) (*PromptNode, error) {
	n, ok := w.nodes[b.NodeID]
	if !ok {
		return nil, errkind.Newf(errkind.KindConfiguration, "workflow.bind",
			"workflow configuration error - missing node: %s (%s)", b.NodeID, b.ClassType)
	}
	if b.ClassType != "" && n.ClassType != b.ClassType {
		return nil, errkind.Newf(errkind.KindConfiguration, "workflow.bind",
			"workflow configuration error - node %s is %s, expected %s", b.NodeID, n.ClassType, b.ClassType)
	}
	if _, ok := n.Inputs[b.Input]; !ok {
		return nil, errkind.Newf(errkind.KindConfiguration, "workflow.bind",
			"workflow configuration error - node %s has no input %q", b.NodeID, b.Input)
	}
	return n, nil
}

func (w *Workflow) set(b Binding, value interface{}) error {
	n, err := w.lookup(b)
	if err != nil {
		return err
	}
	n.Inputs[b.Input] = value
	return nil
}

func (w *Workflow) get(b Binding) (interface{}, error) {
	n, err := w.lookup(b)
	if err != nil {
		return nil, err
	}
	return n.Inputs[b.Input], nil
}
