package launcher

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ternarybob/crawjud/internal/interfaces"
	"github.com/ternarybob/crawjud/internal/models"
)

// Constructor builds a fresh bot for one job
type Constructor func(jc models.JobConfig) (interfaces.Bot, error)

// Registration describes a bot available to the launcher
type Registration struct {
	Category    string
	System      string
	New         Constructor
	NeedsDriver bool // A browser driver is started for the job
}

// Key identifies a registration
func (r Registration) Key() string {
	return registryKey(r.Category, r.System)
}

// Registry maps (category, system) to bot constructors
type Registry struct {
	mu   sync.RWMutex
	bots map[string]Registration
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{bots: make(map[string]Registration)}
}

// Register adds a bot. Registering the same (category, system) twice is an error.
func (r *Registry) Register(reg Registration) error {
	if reg.Category == "" || reg.System == "" || reg.New == nil {
		return fmt.Errorf("registration requires category, system and constructor")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := reg.Key()
	if _, exists := r.bots[key]; exists {
		return fmt.Errorf("bot %s already registered", key)
	}
	r.bots[key] = reg
	return nil
}

// Lookup finds the registration of (category, system), ignoring case
func (r *Registry) Lookup(category, system string) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.bots[registryKey(category, system)]
	if !ok {
		return Registration{}, fmt.Errorf("%w: %s/%s", models.ErrUnknownBot, category, system)
	}
	return reg, nil
}

// Keys lists registered bots as category/system, sorted
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.bots))
	for k := range r.bots {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func registryKey(category, system string) string {
	return strings.ToLower(strings.TrimSpace(category)) + "/" + strings.ToLower(strings.TrimSpace(system))
}
