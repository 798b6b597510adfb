package fabric

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrInstanceRegistered = errors.New("fabric: instance already registered")
	ErrInstanceUnknown    = errors.New("fabric: unknown instance")
)

var (
	regMu     sync.RWMutex
	instances = make(map[string]*Instance)
)

// RegisterInstance publishes an instance under its mesh name so other
// parts of the process can resolve it.
func RegisterInstance(inst *Instance) error {
	name := strings.TrimSpace(inst.cfg.Mesh)
	if name == "" {
		return fmt.Errorf("%w: empty mesh name", ErrInstanceUnknown)
	}
	regMu.Lock()
	defer regMu.Unlock()
	if _, ok := instances[name]; ok {
		return fmt.Errorf("%w: %q", ErrInstanceRegistered, name)
	}
	instances[name] = inst
	return nil
}

// ResolveInstance looks an instance up by mesh name.
func ResolveInstance(mesh string) (*Instance, error) {
	regMu.RLock()
	defer regMu.RUnlock()
	inst, ok := instances[strings.TrimSpace(mesh)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInstanceUnknown, mesh)
	}
	return inst, nil
}

// DeregisterInstance removes a published instance. Unknown names are a
// no-op.
func DeregisterInstance(mesh string) {
	regMu.Lock()
	defer regMu.Unlock()
	delete(instances, strings.TrimSpace(mesh))
}

// RegisteredInstances lists the published mesh names, sorted.
func RegisteredInstances() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	names := make([]string, 0, len(instances))
	for name := range instances {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
