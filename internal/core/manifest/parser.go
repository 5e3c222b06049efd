package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/artpar/previewctl/internal/core/quality"
)

// =============================================================================
// Raw YAML Shape
// =============================================================================

type rawManifest struct {
	Auth     []rawAuth    `yaml:"auth"`
	Checks   []rawCheck   `yaml:"checks"`
	Packages []rawPackage `yaml:"packages"`
	Targets  []rawTarget  `yaml:"targets"`
}

type rawAuth struct {
	Name        string   `yaml:"name"`
	Binary      string   `yaml:"binary"`
	Check       []string `yaml:"check"`
	Reauth      []string `yaml:"reauth"`
	Remediation string   `yaml:"remediation"`
}

type rawCheck struct {
	Name      string   `yaml:"name"`
	Run       []string `yaml:"run"`
	Dir       string   `yaml:"dir"`
	Timeout   string   `yaml:"timeout"`
	Validator string   `yaml:"validator"`
	Parallel  bool     `yaml:"parallel"`
	Required  bool     `yaml:"required"`
	OnFailure []string `yaml:"on_failure"`
}

type rawPackage struct {
	Name     string   `yaml:"name"`
	Dir      string   `yaml:"dir"`
	Run      []string `yaml:"run"`
	Output   string   `yaml:"output"`
	Expect   []string `yaml:"expect"`
	MinFiles int      `yaml:"min_files"`
	Timeout  string   `yaml:"timeout"`
}

type rawTarget struct {
	Site    string `yaml:"site"`
	Role    string `yaml:"role"`
	Package string `yaml:"package"`
	Path    string `yaml:"path"`
}

// =============================================================================
// Parser Functions
// =============================================================================

// Parse parses manifest YAML. Unknown keys are rejected so typos surface
// before any command runs.
func Parse(content []byte) (*Manifest, error) {
	if len(bytes.TrimSpace(content)) == 0 {
		return nil, ErrEmptyInput
	}

	var raw rawManifest
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyInput
		}
		return nil, NewParseError("", err.Error(), ErrInvalidYAML)
	}

	m := &Manifest{}

	authNames := map[string]bool{}
	for i, a := range raw.Auth {
		field := fmt.Sprintf("auth[%d]", i)
		if a.Name == "" {
			return nil, NewParseError(field+".name", "name is required", ErrMissingField)
		}
		if authNames[a.Name] {
			return nil, NewParseError(field+".name", a.Name, ErrDuplicateName)
		}
		authNames[a.Name] = true
		binary := a.Binary
		if binary == "" {
			binary = a.Name
		}
		m.Auth = append(m.Auth, AuthRequirement{
			Name:        a.Name,
			Binary:      binary,
			CheckArgs:   a.Check,
			ReauthArgs:  a.Reauth,
			Remediation: a.Remediation,
		})
	}

	checkNames := map[string]bool{}
	for i, c := range raw.Checks {
		field := fmt.Sprintf("checks[%d]", i)
		if c.Name == "" {
			return nil, NewParseError(field+".name", "name is required", ErrMissingField)
		}
		if checkNames[c.Name] {
			return nil, NewParseError(field+".name", c.Name, ErrDuplicateName)
		}
		checkNames[c.Name] = true

		cmd, err := toCommand(c.Run)
		if err != nil {
			return nil, NewParseError(field+".run", "command is required", err)
		}
		timeout, err := parseTimeout(c.Timeout)
		if err != nil {
			return nil, NewParseError(field+".timeout", c.Timeout, err)
		}
		if _, err := quality.ByName(c.Validator); err != nil {
			return nil, NewParseError(field+".validator", c.Validator, ErrUnknownValidator)
		}
		onFailure, _ := toCommand(c.OnFailure)

		m.Checks = append(m.Checks, Check{
			Name:      c.Name,
			Command:   cmd,
			Dir:       c.Dir,
			Timeout:   timeout,
			Validator: c.Validator,
			Parallel:  c.Parallel,
			Required:  c.Required,
			OnFailure: onFailure,
		})
	}

	pkgNames := map[string]bool{}
	for i, p := range raw.Packages {
		field := fmt.Sprintf("packages[%d]", i)
		if p.Name == "" {
			return nil, NewParseError(field+".name", "name is required", ErrMissingField)
		}
		if pkgNames[p.Name] {
			return nil, NewParseError(field+".name", p.Name, ErrDuplicateName)
		}
		pkgNames[p.Name] = true

		cmd, err := toCommand(p.Run)
		if err != nil {
			return nil, NewParseError(field+".run", "command is required", err)
		}
		if p.Output == "" {
			return nil, NewParseError(field+".output", "output directory is required", ErrMissingField)
		}
		timeout, err := parseTimeout(p.Timeout)
		if err != nil {
			return nil, NewParseError(field+".timeout", p.Timeout, err)
		}

		m.Packages = append(m.Packages, Package{
			Name:      p.Name,
			Dir:       p.Dir,
			Command:   cmd,
			OutputDir: path.Clean(p.Output),
			Expect:    p.Expect,
			MinFiles:  p.MinFiles,
			Timeout:   timeout,
		})
	}

	roles := map[string]bool{}
	sites := map[string]bool{}
	for i, t := range raw.Targets {
		field := fmt.Sprintf("targets[%d]", i)
		if t.Site == "" {
			return nil, NewParseError(field+".site", "site is required", ErrMissingField)
		}
		if t.Role == "" {
			return nil, NewParseError(field+".role", "role is required", ErrMissingField)
		}
		role := strings.ToLower(t.Role)
		if roles[role] {
			return nil, NewParseError(field+".role", role, ErrDuplicateName)
		}
		if sites[t.Site] {
			return nil, NewParseError(field+".site", t.Site, ErrDuplicateName)
		}
		roles[role], sites[t.Site] = true, true

		if t.Package != "" && !pkgNames[t.Package] {
			return nil, NewParseError(field+".package", t.Package, ErrUnknownPackage)
		}
		if t.Package == "" && t.Path == "" {
			return nil, NewParseError(field, "package or path is required", ErrMissingField)
		}

		m.Targets = append(m.Targets, Target{
			Site:    t.Site,
			Role:    role,
			Package: t.Package,
			Path:    t.Path,
		})
	}

	return m, nil
}

func toCommand(argv []string) (Command, error) {
	if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
		return Command{}, ErrMissingField
	}
	return Command{Name: argv[0], Args: argv[1:]}, nil
}

// parseTimeout returns zero for an empty value; callers apply defaults.
func parseTimeout(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, ErrInvalidDuration
	}
	return d, nil
}
