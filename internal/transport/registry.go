package transport

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Constructor builds a backend from the config fragment after "name:".
type Constructor func(config string) (Backend, error)

var (
	mu           sync.RWMutex
	constructors = map[string]Constructor{}
)

// Register makes a backend constructor selectable by name. Later
// registrations for the same name win.
func Register(name string, ctor Constructor) {
	name = strings.TrimSpace(name)
	if name == "" || ctor == nil {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	constructors[name] = ctor
}

// Registered lists selectable backend names, sorted.
func Registered() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds a backend from a "name" or "name:config" selector.
func New(selector string) (Backend, error) {
	selector = strings.TrimSpace(selector)
	name, config := selector, ""
	if i := strings.Index(selector, ":"); i >= 0 {
		name, config = selector[:i], selector[i+1:]
	}
	mu.RLock()
	ctor, ok := constructors[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %s)",
			ErrBackendUnknown, name, strings.Join(Registered(), ","))
	}
	return ctor(config)
}
