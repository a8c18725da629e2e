package hook

import "fmt"

// Common hook errors.
var (
	// ErrEventEmpty is returned when a hook event is empty.
	ErrEventEmpty = fmt.Errorf("hook event cannot be empty")

	// ErrHookExecution is returned when there's an error executing a hook.
	ErrHookExecution = fmt.Errorf("error executing hook")

	// ErrHookScript is returned when a hook script itself reports an error.
	ErrHookScript = fmt.Errorf("hook script error")

	// ErrHookLoad is returned when there's an error loading a hook.
	ErrHookLoad = fmt.Errorf("failed to load hook")
)
