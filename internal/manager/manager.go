// Package manager owns the long-lived provider clients and hands out
// per-task dispatchers.
package manager

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/vnmchuo/llm-dispatch/config"
	"github.com/vnmchuo/llm-dispatch/internal/dispatch"
	"github.com/vnmchuo/llm-dispatch/internal/provider"
	"github.com/vnmchuo/llm-dispatch/internal/provider/claude"
	"github.com/vnmchuo/llm-dispatch/internal/provider/gemini"
	"github.com/vnmchuo/llm-dispatch/internal/provider/openai"
	"github.com/vnmchuo/llm-dispatch/internal/shrink"
	"github.com/vnmchuo/llm-dispatch/internal/usage"
)

var ErrUnknownTask = errors.New("task not registered")

// Factory builds a provider client from its backend config.
type Factory func(cfg provider.Config) provider.Client

// factories is the static client registry. Unknown client types are a
// configuration error, rejected when the manager is built.
var factories = map[string]Factory{
	"openai": openai.New,
	"claude": claude.New,
	"gemini": gemini.New,
}

// ClientTypes lists the registered client types, sorted.
func ClientTypes() []string {
	types := make([]string, 0, len(factories))
	for t := range factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Manager holds one client per configured provider (shared by every
// dispatcher) plus the task registry.
type Manager struct {
	catalog  *config.Catalog
	clients  map[string]provider.Client
	recorder *usage.Recorder
	shrinker shrink.Shrinker
	logger   *slog.Logger

	mu    sync.RWMutex
	tasks map[string]config.TaskConfig
}

func New(catalog *config.Catalog, recorder *usage.Recorder, shrinker shrink.Shrinker, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}

	clients := make(map[string]provider.Client, len(catalog.Providers))
	for _, p := range catalog.Providers {
		factory, ok := factories[p.ClientType]
		if !ok {
			return nil, fmt.Errorf("provider %q: unknown client type %q (registered: %v)",
				p.Name, p.ClientType, ClientTypes())
		}
		clients[p.Name] = factory(provider.Config{
			Name:    p.Name,
			BaseURL: p.BaseURL,
			APIKey:  p.APIKey,
			Timeout: catalog.Defaults.RequestTimeout(),
		})
	}

	tasks := make(map[string]config.TaskConfig, len(catalog.Tasks))
	for _, t := range catalog.Tasks {
		tasks[t.Name] = t
	}

	return &Manager{
		catalog:  catalog,
		clients:  clients,
		recorder: recorder,
		shrinker: shrinker,
		logger:   logger,
		tasks:    tasks,
	}, nil
}

// Dispatcher returns a dispatcher over the task's ordered candidate list.
// The candidate list is built fresh; the clients inside it are shared.
func (m *Manager) Dispatcher(task string) (*dispatch.Dispatcher, error) {
	m.mu.RLock()
	t, ok := m.tasks[task]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTask, task)
	}

	candidates := make([]dispatch.Candidate, 0, len(t.Models))
	for _, u := range t.Models {
		model, ok := m.catalog.Model(u.Name)
		if !ok {
			return nil, fmt.Errorf("task %q references unknown model %q", task, u.Name)
		}
		client, ok := m.clients[model.Provider]
		if !ok {
			return nil, fmt.Errorf("model %q references unknown provider %q", model.Name, model.Provider)
		}
		candidates = append(candidates, dispatch.Candidate{
			Model:  model,
			Usage:  u,
			Client: client,
		})
	}

	return dispatch.New(task, candidates, m.catalog.Defaults, m.recorder, m.shrinker, m.logger), nil
}

// Register adds or replaces a task at runtime. Model references are
// validated against the catalog.
func (m *Manager) Register(task string, models []config.ModelUsage) error {
	if task == "" {
		return fmt.Errorf("task name is required")
	}
	if len(models) == 0 {
		return fmt.Errorf("task %q needs at least one model", task)
	}
	for _, u := range models {
		if _, ok := m.catalog.Model(u.Name); !ok {
			return fmt.Errorf("task %q references unknown model %q", task, u.Name)
		}
	}

	m.mu.Lock()
	m.tasks[task] = config.TaskConfig{Name: task, Models: models}
	m.mu.Unlock()
	return nil
}

// Contains reports whether a task is registered.
func (m *Manager) Contains(task string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tasks[task]
	return ok
}

// Tasks returns the registered task names, sorted.
func (m *Manager) Tasks() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.tasks))
	for name := range m.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
