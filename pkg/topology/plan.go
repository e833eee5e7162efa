package topology

import (
	"fmt"
	"sort"
	"strings"

	"github.com/core-tools/hsu-harness/pkg/errors"
)

// Plan groups units into start waves. Every unit's dependencies are in
// earlier waves; names within a wave are sorted.
func Plan(m *Manifest) ([][]string, error) {
	remaining := make(map[string]int, len(m.Units))
	dependents := make(map[string][]string)
	for name, unit := range m.Units {
		remaining[name] = 0
		for dep := range unit.DependsOn {
			if _, ok := m.Units[dep]; !ok {
				return nil, errors.NewManifestError(fmt.Sprintf("depends on unknown unit %q", dep), nil).WithContext("unit", name)
			}
			remaining[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var waves [][]string
	var wave []string
	for name, count := range remaining {
		if count == 0 {
			wave = append(wave, name)
		}
	}

	placed := 0
	for len(wave) > 0 {
		sort.Strings(wave)
		waves = append(waves, wave)
		placed += len(wave)

		var next []string
		for _, name := range wave {
			for _, dependent := range dependents[name] {
				remaining[dependent]--
				if remaining[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		wave = next
	}

	if placed != len(m.Units) {
		var cyclic []string
		for name, count := range remaining {
			if count > 0 {
				cyclic = append(cyclic, name)
			}
		}
		sort.Strings(cyclic)
		return nil, errors.NewManifestError("dependency cycle detected", nil).WithContext("units", strings.Join(cyclic, ", "))
	}
	return waves, nil
}

// StartOrder flattens the plan
func StartOrder(m *Manifest) ([]string, error) {
	waves, err := Plan(m)
	if err != nil {
		return nil, err
	}
	var order []string
	for _, wave := range waves {
		order = append(order, wave...)
	}
	return order, nil
}
