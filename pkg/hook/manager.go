package hook

import (
	"sync"
)

// DefaultManager is the default implementation of Manager.
type DefaultManager struct {
	executor *TengoExecutor
	mutex    sync.RWMutex
}

// NewManager creates a new hook manager.
func NewManager() *DefaultManager {
	return &DefaultManager{
		executor: NewTengoExecutor(),
	}
}

// Execute runs the script registered for the event with the given context.
func (m *DefaultManager) Execute(event Event, ctx FetchContext) error {
	if !m.HasHook(event) {
		return nil // No hook registered for this event
	}

	// Copy the context to prevent modifications
	ctxCopy := ctx
	if ctxCopy.Vars == nil {
		ctxCopy.Vars = make(map[string]interface{})
	}

	return m.executor.Execute(event, ctxCopy)
}

// AddHook registers a new hook script.
func (m *DefaultManager) AddHook(hook Hook) error {
	if hook.Event == "" {
		return ErrEventEmpty
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.executor.AddScript(hook.Event, hook.Content)
	return nil
}

// RemoveHook removes the hook for the given event.
func (m *DefaultManager) RemoveHook(event Event) error {
	if event == "" {
		return ErrEventEmpty
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.executor.RemoveScript(event)
	return nil
}

// HasHook checks whether a hook is registered for the event.
func (m *DefaultManager) HasHook(event Event) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return m.executor.HasScript(event)
}
