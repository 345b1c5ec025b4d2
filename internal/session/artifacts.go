package session

// ArtifactKind tells how an artifact's Value is to be read.
type ArtifactKind string

const (
	// ArtifactURL is a reference returned by the storage collaborator.
	ArtifactURL ArtifactKind = "url"
	// ArtifactBase64 is an inline base64 payload.
	ArtifactBase64 ArtifactKind = "base64"
)

// Artifact is one produced output of a node.
type Artifact struct {
	Kind     ArtifactKind
	Value    string
	Filename string
}

// NodeArtifacts is the artifact list of one node.
type NodeArtifacts struct {
	NodeID    string
	Artifacts []Artifact
}

// ArtifactSet maps node ids to their artifacts, keeping the order in which
// nodes were added.
type ArtifactSet struct {
	nodes []NodeArtifacts
	index map[string]int
}

func NewArtifactSet() *ArtifactSet {
	return &ArtifactSet{index: make(map[string]int)}
}

// Add appends artifacts to nodeID's list, registering the node on first use.
func (s *ArtifactSet) Add(nodeID string, artifacts ...Artifact) {
	i, ok := s.index[nodeID]
	if !ok {
		s.index[nodeID] = len(s.nodes)
		s.nodes = append(s.nodes, NodeArtifacts{NodeID: nodeID})
		i = len(s.nodes) - 1
	}
	s.nodes[i].Artifacts = append(s.nodes[i].Artifacts, artifacts...)
}

// Get returns nodeID's artifacts.
func (s *ArtifactSet) Get(nodeID string) []Artifact {
	if i, ok := s.index[nodeID]; ok {
		return s.nodes[i].Artifacts
	}
	return nil
}

// Nodes returns the node lists in insertion order.
func (s *ArtifactSet) Nodes() []NodeArtifacts {
	return s.nodes
}

// Len returns the total number of artifacts.
func (s *ArtifactSet) Len() int {
	n := 0
	for _, node := range s.nodes {
		n += len(node.Artifacts)
	}
	return n
}

// Select returns the first artifact of preferred if it has any, otherwise the
// first artifact of the first non-empty node in insertion order.
func (s *ArtifactSet) Select(preferred string) (Artifact, bool) {
	if a := s.Get(preferred); len(a) > 0 {
		return a[0], true
	}
	for _, node := range s.nodes {
		if len(node.Artifacts) > 0 {
			return node.Artifacts[0], true
		}
	}
	return Artifact{}, false
}
