package hook

import (
	"sync"

	"github.com/d5/tengo/v2"
	"github.com/d5/tengo/v2/stdlib"
	"github.com/glorpus-work/mlget/pkg/errors"
)

// TengoExecutor handles the execution of Tengo scripts.
type TengoExecutor struct {
	scripts map[Event]string
	mutex   sync.RWMutex
}

// NewTengoExecutor creates a new Tengo script executor.
func NewTengoExecutor() *TengoExecutor {
	return &TengoExecutor{
		scripts: make(map[Event]string),
	}
}

// Execute runs the script registered for the event with the given context.
func (e *TengoExecutor) Execute(event Event, ctx FetchContext) error {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	script, exists := e.scripts[event]
	if !exists {
		return nil // No script for this event
	}

	scriptInstance := tengo.NewScript([]byte(script))

	modules := stdlib.GetModuleMap("fmt", "os", "text", "times")
	scriptInstance.SetImports(modules)

	_ = scriptInstance.Add("artifactName", ctx.ArtifactName)
	_ = scriptInstance.Add("artifactVersion", ctx.ArtifactVersion)
	_ = scriptInstance.Add("artifactPath", ctx.ArtifactPath)
	_ = scriptInstance.Add("hash", ctx.Hash)
	_ = scriptInstance.Add("locator", ctx.Locator)

	for k, v := range ctx.Vars {
		_ = scriptInstance.Add(k, v)
	}

	compiled, err := scriptInstance.Run()
	if err != nil {
		return errors.Wrapf(ErrHookExecution, "%s: %v", event, err)
	}

	// A script signals failure by setting "err".
	errVar := compiled.Get("err")
	if errVar != nil {
		switch v := errVar.Value().(type) {
		case error:
			return errors.Wrap(ErrHookScript, v.Error())
		case string:
			if v != "" {
				return errors.Wrap(ErrHookScript, v)
			}
		}
	}

	return nil
}

// AddScript adds or updates the script for the event.
func (e *TengoExecutor) AddScript(event Event, script string) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.scripts[event] = script
}

// RemoveScript removes the script for the event.
func (e *TengoExecutor) RemoveScript(event Event) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	delete(e.scripts, event)
}

// HasScript checks if a script exists for the event.
func (e *TengoExecutor) HasScript(event Event) bool {
	e.mutex.RLock()
	defer e.mutex.RUnlock()
	_, exists := e.scripts[event]
	return exists
}
