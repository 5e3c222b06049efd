package manifest

import "time"

// Manifest is the parsed pipeline content for one repository.
type Manifest struct {
	Auth     []AuthRequirement
	Checks   []Check
	Packages []Package
	Targets  []Target
}

// AuthRequirement names a tool whose credentials must be valid before
// anything else runs.
type AuthRequirement struct {
	Name        string
	Binary      string
	CheckArgs   []string
	ReauthArgs  []string
	Remediation string
}

// Command is an executable plus arguments.
type Command struct {
	Name string
	Args []string
}

// IsZero reports whether no command is set.
func (c Command) IsZero() bool { return c.Name == "" }

// Check is one quality check.
type Check struct {
	Name      string
	Command   Command
	Dir       string
	Timeout   time.Duration
	Validator string
	Parallel  bool
	Required  bool
	OnFailure Command
}

// Package is one independently buildable unit.
type Package struct {
	Name      string
	Dir       string
	Command   Command
	OutputDir string
	Expect    []string
	MinFiles  int
	Timeout   time.Duration
}

// Target maps built output onto a hosting site.
type Target struct {
	Site    string
	Role    string
	Package string
	// Path overrides the package output dir when set.
	Path string
}

// Roles returns the target roles in manifest order.
func (m *Manifest) Roles() []string {
	roles := make([]string, 0, len(m.Targets))
	for _, t := range m.Targets {
		roles = append(roles, t.Role)
	}
	return roles
}

// Sites returns the distinct target sites in manifest order.
func (m *Manifest) Sites() []string {
	seen := make(map[string]bool, len(m.Targets))
	var sites []string
	for _, t := range m.Targets {
		if !seen[t.Site] {
			seen[t.Site] = true
			sites = append(sites, t.Site)
		}
	}
	return sites
}

// SiteRoles maps each target site to its role.
func (m *Manifest) SiteRoles() map[string]string {
	out := make(map[string]string, len(m.Targets))
	for _, t := range m.Targets {
		out[t.Site] = t.Role
	}
	return out
}

// Package returns the named package.
func (m *Manifest) Package(name string) (Package, bool) {
	for _, p := range m.Packages {
		if p.Name == name {
			return p, true
		}
	}
	return Package{}, false
}

// ArtifactPath returns where a target's files live.
func (m *Manifest) ArtifactPath(t Target) string {
	if t.Path != "" {
		return t.Path
	}
	if p, ok := m.Package(t.Package); ok {
		return p.OutputDir
	}
	return ""
}
