package topology

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-harness/pkg/errors"
	"github.com/core-tools/hsu-harness/pkg/monitoring"
)

var unitNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*$`)

// Port is one "host:container" mapping. A bare "8000" exposes the container port only.
type Port struct {
	Host      int
	Container int
}

func ParsePort(spec string) (Port, error) {
	spec = strings.TrimSuffix(strings.TrimSuffix(spec, "/tcp"), "/udp")
	parts := strings.Split(spec, ":")
	var hostPart, containerPart string
	switch len(parts) {
	case 1:
		containerPart = parts[0]
	case 2:
		hostPart, containerPart = parts[0], parts[1]
	case 3:
		hostPart, containerPart = parts[1], parts[2]
	default:
		return Port{}, fmt.Errorf("invalid port mapping %q", spec)
	}

	var port Port
	var err error
	if port.Container, err = parsePortNumber(containerPart); err != nil {
		return Port{}, fmt.Errorf("invalid container port in %q: %w", spec, err)
	}
	if hostPart != "" {
		if port.Host, err = parsePortNumber(hostPart); err != nil {
			return Port{}, fmt.Errorf("invalid host port in %q: %w", spec, err)
		}
	}
	return port, nil
}

func parsePortNumber(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n <= 0 || n > 65535 {
		return 0, fmt.Errorf("port %d out of range", n)
	}
	return n, nil
}

// ValidateManifest checks unit definitions and the dependency graph
func ValidateManifest(m *Manifest) error {
	if m == nil {
		return errors.NewValidationError("manifest cannot be nil", nil)
	}
	if len(m.Units) == 0 {
		return errors.NewManifestError("manifest declares no services", nil)
	}

	collection := errors.NewErrorCollection()
	for _, name := range m.UnitNames() {
		if err := validateUnit(m, name, m.Units[name]); err != nil {
			collection.Add(err)
		}
	}
	if err := collection.ToError(); err != nil {
		return err
	}

	if _, err := Plan(m); err != nil {
		return err
	}
	return nil
}

func validateUnit(m *Manifest, name string, unit Unit) error {
	fail := func(format string, args ...interface{}) error {
		return errors.NewManifestError(fmt.Sprintf(format, args...), nil).WithContext("unit", name)
	}

	if !unitNamePattern.MatchString(name) {
		return fail("invalid unit name %q", name)
	}
	if unit.Image == "" && unit.Build == nil {
		return fail("unit must declare an image or a build context")
	}
	if unit.Image != "" && unit.Build != nil {
		return fail("unit declares both an image and a build context")
	}
	if unit.Build != nil && unit.Build.Context == "" {
		return fail("build context cannot be empty")
	}

	for _, spec := range unit.Ports {
		if _, err := ParsePort(spec); err != nil {
			return errors.NewManifestError("invalid port", err).WithContext("unit", name)
		}
	}

	for _, dep := range unit.DependsOn.Names() {
		if dep == name {
			return fail("unit depends on itself")
		}
		target, ok := m.Units[dep]
		if !ok {
			return fail("depends on unknown unit %q", dep)
		}
		switch unit.DependsOn[dep].Condition {
		case ConditionServiceStarted:
		case ConditionServiceHealthy:
			if !target.HasHealthCheck() {
				return fail("depends on %q being healthy but it declares no health check", dep)
			}
		default:
			return fail("unsupported condition %q on dependency %q", unit.DependsOn[dep].Condition, dep)
		}
	}

	for _, network := range unit.Networks {
		if _, ok := m.Networks[network]; !ok {
			return fail("references undeclared network %q", network)
		}
	}

	for _, mount := range unit.Volumes {
		source, _, ok := strings.Cut(mount, ":")
		if !ok {
			return fail("invalid volume mount %q", mount)
		}
		if isNamedVolume(source) {
			if _, declared := m.Volumes[source]; !declared {
				return fail("references undeclared volume %q", source)
			}
		}
	}

	if unit.Probe != nil {
		probe := *unit.Probe
		monitoring.ApplyHealthCheckDefaults(&probe)
		if err := monitoring.ValidateHealthCheckConfig(probe); err != nil {
			return errors.NewManifestError("invalid probe", err).WithContext("unit", name)
		}
	}
	if unit.HealthCheck != nil {
		if unit.HealthCheck.Retries < 0 || unit.HealthCheck.Interval < 0 || unit.HealthCheck.Timeout < 0 || unit.HealthCheck.StartPeriod < 0 {
			return fail("healthcheck timing and retries cannot be negative")
		}
	}
	return nil
}

func isNamedVolume(source string) bool {
	return source != "" && !strings.HasPrefix(source, ".") && !strings.HasPrefix(source, "/") && !strings.HasPrefix(source, "~")
}

// Link is a URL in one unit's environment that points at another unit
type Link struct {
	From     string
	Variable string
	To       string
	Port     int
}

// Links finds environment values whose URL host names a unit of the manifest
func (m *Manifest) Links() []Link {
	var links []Link
	for _, from := range m.UnitNames() {
		unit := m.Units[from]
		keys := make([]string, 0, len(unit.Environment))
		for key := range unit.Environment {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for _, key := range keys {
			u, err := url.Parse(unit.Environment[key])
			if err != nil || u.Host == "" {
				continue
			}
			if _, ok := m.Units[u.Hostname()]; !ok {
				continue
			}
			port, _ := strconv.Atoi(u.Port())
			if port == 0 {
				port = defaultSchemePort(u.Scheme)
			}
			links = append(links, Link{From: from, Variable: key, To: u.Hostname(), Port: port})
		}
	}
	return links
}

// ValidateLinks checks every link targets a port its unit exposes on a
// network shared with the source unit
func ValidateLinks(m *Manifest) error {
	collection := errors.NewErrorCollection()
	for _, link := range m.Links() {
		if err := m.checkLink(link); err != nil {
			collection.Add(err)
		}
	}
	return collection.ToError()
}

func (m *Manifest) checkLink(link Link) error {
	target := m.Units[link.To]

	exposed := false
	for _, spec := range target.Ports {
		port, err := ParsePort(spec)
		if err == nil && port.Container == link.Port {
			exposed = true
			break
		}
	}
	if !exposed {
		return errors.NewManifestError(fmt.Sprintf("%s points at %s:%d which is not an exposed port", link.Variable, link.To, link.Port), nil).
			WithContext("unit", link.From)
	}

	if !sharesNetwork(m.Units[link.From], target) {
		return errors.NewManifestError(fmt.Sprintf("%s points at %s which shares no network with %s", link.Variable, link.To, link.From), nil).
			WithContext("unit", link.From)
	}
	return nil
}

func sharesNetwork(a, b Unit) bool {
	// units without networks join the implicit default network
	if len(a.Networks) == 0 && len(b.Networks) == 0 {
		return true
	}
	for _, na := range a.Networks {
		for _, nb := range b.Networks {
			if na == nb {
				return true
			}
		}
	}
	return false
}

func defaultSchemePort(scheme string) int {
	switch scheme {
	case "http":
		return 80
	case "https":
		return 443
	case "redis", "rediss":
		return 6379
	case "postgres", "postgresql":
		return 5432
	}
	return 0
}
