package topology

import (
	"os"
	"strings"

	"github.com/compose-spec/compose-go/v2/template"
	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-harness/pkg/errors"
)

// LookupFunc resolves a variable the way os.LookupEnv does
type LookupFunc func(name string) (string, bool)

// LoadManifest reads a manifest file. With a nil lookup the manifest is
// returned as written, with ${VAR} references left in place.
func LoadManifest(path string, lookup LookupFunc) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewIOError("failed to read manifest", err).WithContext("path", path)
	}
	return ParseManifest(data, lookup)
}

func ParseManifest(data []byte, lookup LookupFunc) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errors.NewManifestError("failed to parse manifest YAML", err)
	}
	if len(m.Units) == 0 {
		return nil, errors.NewManifestError("manifest declares no services", nil)
	}
	if lookup == nil {
		return &m, nil
	}
	return m.Interpolate(lookup)
}

// Interpolate returns a copy with every ${VAR} reference resolved.
// Supported forms: $VAR, ${VAR}, ${VAR:-default}, ${VAR-default},
// ${VAR:?message}, ${VAR?message}, ${VAR:+alt}, ${VAR+alt}; $$ is a literal $.
func (m *Manifest) Interpolate(lookup LookupFunc) (*Manifest, error) {
	out := &Manifest{
		Name:     m.Name,
		Units:    make(map[string]Unit, len(m.Units)),
		Networks: m.Networks,
		Volumes:  m.Volumes,
	}

	collection := errors.NewErrorCollection()
	expand := func(unit, s string) string {
		v, err := interpolate(s, lookup)
		if err != nil {
			collection.Add(errors.NewManifestError("interpolation failed", err).WithContext("unit", unit))
		}
		return v
	}
	expandAll := func(unit string, in []string) []string {
		if in == nil {
			return nil
		}
		res := make([]string, len(in))
		for i, s := range in {
			res[i] = expand(unit, s)
		}
		return res
	}

	for name, unit := range m.Units {
		u := unit
		u.Image = expand(name, unit.Image)
		if unit.Build != nil {
			u.Build = &Build{Context: expand(name, unit.Build.Context), Dockerfile: expand(name, unit.Build.Dockerfile)}
		}
		u.Command = expandAll(name, unit.Command)
		u.Ports = expandAll(name, unit.Ports)
		u.EnvFiles = expandAll(name, unit.EnvFiles)
		u.Volumes = expandAll(name, unit.Volumes)
		u.Networks = expandAll(name, unit.Networks)
		if unit.Environment != nil {
			u.Environment = make(Environment, len(unit.Environment))
			for key, value := range unit.Environment {
				u.Environment[key] = expand(name, value)
			}
		}
		if unit.DependsOn != nil {
			u.DependsOn = make(Dependencies, len(unit.DependsOn))
			for dep, cond := range unit.DependsOn {
				u.DependsOn[dep] = cond
			}
		}
		if unit.HealthCheck != nil {
			hc := *unit.HealthCheck
			hc.Test = expandAll(name, unit.HealthCheck.Test)
			u.HealthCheck = &hc
		}
		if unit.Probe != nil {
			probe := *unit.Probe
			probe.HTTP.URL = expand(name, probe.HTTP.URL)
			probe.TCP.Address = expand(name, probe.TCP.Address)
			probe.Exec.Command = expand(name, probe.Exec.Command)
			probe.Exec.Args = expandAll(name, probe.Exec.Args)
			probe.Exec.Environment = expandAll(name, probe.Exec.Environment)
			probe.Postgres.DSN = expand(name, probe.Postgres.DSN)
			probe.Redis.URL = expand(name, probe.Redis.URL)
			u.Probe = &probe
		}
		out.Units[name] = u
	}

	if err := collection.ToError(); err != nil {
		return nil, err
	}
	return out, nil
}

// MapLookup adapts a map, falling back to next when a key is absent
func MapLookup(values map[string]string, next LookupFunc) LookupFunc {
	return func(name string) (string, bool) {
		if v, ok := values[name]; ok {
			return v, true
		}
		if next != nil {
			return next(name)
		}
		return "", false
	}
}

// interpolate applies compose variable substitution to s
func interpolate(s string, lookup LookupFunc) (string, error) {
	if !strings.Contains(s, "$") {
		return s, nil
	}
	return template.Substitute(s, template.Mapping(lookup))
}
