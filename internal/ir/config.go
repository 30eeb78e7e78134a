package ir

// Config is a synthesized resource graph: the set of resources to manage and
// the outputs to report once they exist.
type Config struct {
	Metadata  *Metadata      `pkl:"metadata" json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Resources []*Resource    `pkl:"resources" json:"resources" yaml:"resources"`
	Outputs   map[string]any `pkl:"outputs" json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// Metadata identifies the deployment a graph was synthesized for.
type Metadata struct {
	App      string `pkl:"app" json:"app" yaml:"app"`
	Account  string `pkl:"account" json:"account,omitempty" yaml:"account,omitempty"`
	Region   string `pkl:"region" json:"region,omitempty" yaml:"region,omitempty"`
	Topology string `pkl:"topology" json:"topology" yaml:"topology"`
}
