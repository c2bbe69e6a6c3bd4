package domain

// VatCreationOptions controls how a vat's worker is spawned (§4.7).
type VatCreationOptions struct {
	Transport string            `yaml:"transport" json:"transport"` // "inproc", "vsockproc", "pipeproc"
	Env       map[string]string `yaml:"env,omitempty" json:"env,omitempty"` // extra environment for process-backed transports
}

// VatConfig is one entry in a subcluster's declarative vats map.
type VatConfig struct {
	BundleSpec      string             `yaml:"bundleSpec" json:"bundleSpec"`
	Parameters      CapData            `yaml:"parameters" json:"parameters"`
	CreationOptions VatCreationOptions `yaml:"creationOptions" json:"creationOptions"`
}

// SubclusterConfig is the declarative input to launching a subcluster
// (spec.md §4.8, §6 launchSubcluster).
type SubclusterConfig struct {
	Bootstrap string               `yaml:"bootstrap" json:"bootstrap"`
	Vats      map[string]VatConfig `yaml:"vats" json:"vats"`
	// Services names kernel-provided capabilities to expose to the
	// bootstrap vat's `bootstrap` delivery alongside `vats`, supplementing
	// the distilled spec per SPEC_FULL.md §4.8.
	Services map[string]KRef `yaml:"services,omitempty" json:"services,omitempty"`
}

// Subcluster is a launched group of vats sharing one bootstrap.
type Subcluster struct {
	ID          string                `json:"id"`
	BundleRoots map[string]string     `json:"bundleRoots"` // name -> bundleSpec, resolved at launch
	Vats        map[string]EndpointID `json:"vats"`
	Bootstrap   string                `json:"bootstrap"`
	Config      SubclusterConfig      `json:"config"`
}
