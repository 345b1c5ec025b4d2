package graphapi

import (
	"github.com/richinsley/comfy2go-worker/internal/errkind"
)

// ComposedGraph is a job's private copy of the workflow with the job's values
// written in. It exposes no setters; it is not modified after Compose returns.
type ComposedGraph struct {
	workflow  *Workflow
	Params    VideoParams
	ImagePath string
	Prompt    string
}

// Compose copies template and writes the job's image path, prompt and video
// parameters into it. Validation happens before anything is written; on error no
// graph is returned. template is never modified.
func Compose(template *Workflow, in JobInput, imagePath string) (*ComposedGraph, error) {
	if in.Prompt == nil {
		return nil, errkind.Invalid(string(FieldPrompt), "missing required parameter: prompt")
	}
	if imagePath == "" {
		return nil, errkind.Invalid(string(FieldImage), "missing required parameter: image_path")
	}

	params, err := ResolveParams(in)
	if err != nil {
		return nil, err
	}

	if err := template.CheckBindings(); err != nil {
		return nil, err
	}

	wf := template.Clone()
	values := map[Field]interface{}{
		FieldImage:       imagePath,
		FieldPrompt:      *in.Prompt,
		FieldWidth:       params.Width,
		FieldHeight:      params.Height,
		FieldVideoLength: params.VideoLength,
		FieldFrameRate:   params.FrameRate,
		FieldVideoFormat: params.VideoFormat,
		FieldSeed:        params.Seed,
		FieldPairedSeed:  params.PairedSeed(),
	}
	for _, b := range Bindings {
		if err := wf.set(b, values[b.Field]); err != nil {
			return nil, err
		}
	}

	return &ComposedGraph{
		workflow:  wf,
		Params:    params,
		ImagePath: imagePath,
		Prompt:    *in.Prompt,
	}, nil
}

// ToPrompt builds the POST /prompt body for clientID. The body holds its own
// copy of the nodes.
func (g *ComposedGraph) ToPrompt(clientID string) Prompt {
	return g.workflow.ToPrompt(clientID)
}

// Node returns a node of the composed workflow.
func (g *ComposedGraph) Node(id string) *PromptNode {
	return g.workflow.Node(id)
}
