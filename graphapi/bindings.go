package graphapi

// Field names a job parameter that is written into the workflow.
type Field string

const (
	FieldImage       Field = "image_path"
	FieldPrompt      Field = "prompt"
	FieldWidth       Field = "width"
	FieldHeight      Field = "height"
	FieldVideoLength Field = "video_length"
	FieldFrameRate   Field = "frame_rate"
	FieldVideoFormat Field = "video_format"
	FieldSeed        Field = "seed"
	// FieldPairedSeed is the low noise sampler's seed, always seed+1.
	FieldPairedSeed Field = "paired_seed"
)

// VideoCombineNodeID is the VHS_VideoCombine node whose output is the job result.
const VideoCombineNodeID = "62"

// Binding ties a job field to a node input of the image-to-video workflow.
type Binding struct {
	Field     Field
	NodeID    string
	Input     string
	ClassType string
}

// Bindings is the only place node ids of the workflow are referenced.
var Bindings = []Binding{
	{Field: FieldImage, NodeID: "91", Input: "image", ClassType: "LoadImage"},
	{Field: FieldPrompt, NodeID: "88", Input: "text", ClassType: "CLIPTextEncode"},
	{Field: FieldWidth, NodeID: "89", Input: "width", ClassType: "WanImageToVideo"},
	{Field: FieldHeight, NodeID: "89", Input: "height", ClassType: "WanImageToVideo"},
	{Field: FieldVideoLength, NodeID: "89", Input: "length", ClassType: "WanImageToVideo"},
	{Field: FieldFrameRate, NodeID: VideoCombineNodeID, Input: "frame_rate", ClassType: "VHS_VideoCombine"},
	{Field: FieldVideoFormat, NodeID: VideoCombineNodeID, Input: "format", ClassType: "VHS_VideoCombine"},
	{Field: FieldSeed, NodeID: "81", Input: "noise_seed", ClassType: "KSamplerAdvanced"},
	{Field: FieldPairedSeed, NodeID: "82", Input: "noise_seed", ClassType: "KSamplerAdvanced"},
}

// BindingFor returns the binding for f.
func BindingFor(f Field) (Binding, bool) {
	for _, b := range Bindings {
		if b.Field == f {
			return b, true
		}
	}
	return Binding{}, false
}
