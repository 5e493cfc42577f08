// Package pipelines keeps the process-wide registry of named pipelines.
// Remote task workers resolve stage bodies through this registry, so any
// binary that executes tasks must import (and thereby register) the same
// pipeline packages as the driver.
package pipelines

import (
	"fmt"

	"github.com/seqmr/seqmr/pkg/core"
)

var registry = make(map[string]*core.Pipeline)

func Register(p *core.Pipeline) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if _, exists := registry[p.Name]; exists {
		return fmt.Errorf("pipeline already registered: %s", p.Name)
	}
	registry[p.Name] = p
	return nil
}

func MustRegister(p *core.Pipeline) {
	if err := Register(p); err != nil {
		panic(err)
	}
}

func Get(name string) (*core.Pipeline, error) {
	p, exists := registry[name]
	if !exists {
		return nil, fmt.Errorf("pipeline not found: %s", name)
	}
	return p, nil
}

func List() []string {
	var names []string
	for name := range registry {
		names = append(names, name)
	}
	return names
}
