package topology

import (
	"bytes"

	"gopkg.in/yaml.v3"

	"github.com/core-tools/hsu-harness/pkg/errors"
)

type composeFile struct {
	Name     string                    `yaml:"name,omitempty"`
	Services map[string]composeService `yaml:"services"`
	Networks map[string]Network        `yaml:"networks,omitempty"`
	Volumes  map[string]Volume         `yaml:"volumes,omitempty"`
}

// composeService is Unit without the harness-only fields
type composeService struct {
	Image       string                `yaml:"image,omitempty"`
	Build       *Build                `yaml:"build,omitempty"`
	Command     []string              `yaml:"command,omitempty"`
	Ports       []string              `yaml:"ports,omitempty"`
	Environment map[string]string     `yaml:"environment,omitempty"`
	EnvFiles    []string              `yaml:"env_file,omitempty"`
	DependsOn   map[string]Dependency `yaml:"depends_on,omitempty"`
	HealthCheck *HealthCheck          `yaml:"healthcheck,omitempty"`
	Volumes     []string              `yaml:"volumes,omitempty"`
	Networks    []string              `yaml:"networks,omitempty"`
}

// RenderCompose emits a docker compose file for the manifest. Map keys are
// sorted so output is stable.
func RenderCompose(m *Manifest) ([]byte, error) {
	if err := ValidateManifest(m); err != nil {
		return nil, err
	}

	file := composeFile{
		Name:     m.Name,
		Services: make(map[string]composeService, len(m.Units)),
		Networks: m.Networks,
		Volumes:  m.Volumes,
	}
	for name, unit := range m.Units {
		file.Services[name] = composeService{
			Image:       unit.Image,
			Build:       unit.Build,
			Command:     unit.Command,
			Ports:       unit.Ports,
			Environment: unit.Environment,
			EnvFiles:    unit.EnvFiles,
			DependsOn:   unit.DependsOn,
			HealthCheck: unit.HealthCheck,
			Volumes:     unit.Volumes,
			Networks:    unit.Networks,
		}
	}

	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(file); err != nil {
		return nil, errors.NewInternalError("failed to render compose file", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, errors.NewInternalError("failed to render compose file", err)
	}
	return buf.Bytes(), nil
}
