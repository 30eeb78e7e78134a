package ir

// Resource represents a single managed resource.
type Resource struct {
	Type       string         `pkl:"type" json:"type" yaml:"type"` // e.g., "aws:S3.Bucket"
	Name       string         `pkl:"name" json:"name" yaml:"name"`
	Provider   string         `pkl:"provider" json:"provider" yaml:"provider"`
	Lifecycle  *Lifecycle     `pkl:"lifecycle" json:"lifecycle,omitempty" yaml:"lifecycle,omitempty"`
	DependsOn  []string       `pkl:"dependsOn" json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`
	Timeout    string         `pkl:"timeout" json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Properties map[string]any `pkl:"properties" json:"properties" yaml:"properties"` // Dynamic properties
}

type Lifecycle struct {
	CreateBeforeDestroy bool     `pkl:"createBeforeDestroy" json:"createBeforeDestroy,omitempty" yaml:"createBeforeDestroy,omitempty"`
	PreventDestroy      bool     `pkl:"preventDestroy" json:"preventDestroy,omitempty" yaml:"preventDestroy,omitempty"`
	IgnoreChanges       []string `pkl:"ignoreChanges" json:"ignoreChanges,omitempty" yaml:"ignoreChanges,omitempty"`
}

// Address returns the unique address of the resource (type.name).
func (r *Resource) Address() string {
	t := r.Type
	if t == "" {
		t = "null_resource"
	}
	return t + "." + r.Name
}
