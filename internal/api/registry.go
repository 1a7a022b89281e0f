package api

// MeshSetInfo describes a mesh set for the API response.
type MeshSetInfo struct {
	Version string `json:"version"`
	Default bool   `json:"default"`
}

// MeshSetRegistry holds the configured compartment mesh set versions.
type MeshSetRegistry struct {
	defaultVersion string
	versionOrder   []string
	versions       map[string]struct{}
	title          string
}

// NewMeshSetRegistry creates a new mesh set registry.
func NewMeshSetRegistry(defaultVersion string, order []string, title string) *MeshSetRegistry {
	versions := make(map[string]struct{}, len(order))
	for _, v := range order {
		versions[v] = struct{}{}
	}
	return &MeshSetRegistry{
		defaultVersion: defaultVersion,
		versionOrder:   order,
		versions:       versions,
		title:          title,
	}
}

// Has reports whether version is a configured mesh set.
func (r *MeshSetRegistry) Has(version string) bool {
	_, ok := r.versions[version]
	return ok
}

// Resolve maps "" and "default" to the default version.
func (r *MeshSetRegistry) Resolve(version string) (string, bool) {
	if version == "" || version == "default" {
		version = r.defaultVersion
	}
	return version, r.Has(version)
}

// DefaultVersion returns the default mesh set version.
func (r *MeshSetRegistry) DefaultVersion() string {
	return r.defaultVersion
}

// Versions returns all versions in config order.
func (r *MeshSetRegistry) Versions() []string {
	return r.versionOrder
}

// Title returns the configured site title.
func (r *MeshSetRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "Neuron Viewer"
}

// MeshSets returns info for all configured mesh sets.
func (r *MeshSetRegistry) MeshSets() []MeshSetInfo {
	infos := make([]MeshSetInfo, 0, len(r.versionOrder))
	for _, v := range r.versionOrder {
		infos = append(infos, MeshSetInfo{Version: v, Default: v == r.defaultVersion})
	}
	return infos
}
