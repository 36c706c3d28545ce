package na

import (
	"fmt"
	"sync"
)

// Constructor builds a fresh, uninitialized Class instance for one
// protocol name. Concrete transports register themselves from an init
// function, mirroring how na_cci/na_mpi register against the NA plugin
// table in the original engine.
type Constructor func() Class

var (
	registryMu sync.Mutex
	registry   = make(map[string]Constructor)
)

// Register associates protocol with a Class constructor. Called from the
// init function of a transport package (e.g. pkg/na/tcp).
func Register(protocol string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[protocol] = ctor
}

// NewClass looks up protocol (e.g. "tcp") and returns a freshly constructed,
// not-yet-initialized Class. Callers still need to call Initialize.
func NewClass(protocol string) (Class, error) {
	registryMu.Lock()
	ctor, ok := registry[protocol]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("na: no class registered for protocol %q", protocol)
	}
	return ctor(), nil
}

// Protocols lists every registered protocol name.
func Protocols() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	out := make([]string, 0, len(registry))
	for p := range registry {
		out = append(out, p)
	}
	return out
}
