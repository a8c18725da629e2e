package hook

// Event represents a fetch lifecycle event a script can attach to.
type Event string

// Supported events.
const (
	PreFetch    Event = "pre-fetch"
	PostFetch   Event = "post-fetch"
	FetchFailed Event = "fetch-failed"
)

// Hook represents a hook script with its event and content.
type Hook struct {
	Event   Event
	Content string
}

// FetchContext contains information passed to hooks.
type FetchContext struct {
	ArtifactName    string
	ArtifactVersion string
	ArtifactPath    string // cached file path; empty for pre-fetch and fetch-failed
	Hash            string // computed hash; empty until verification
	Locator         string
	Vars            map[string]interface{}
}

// Manager defines the interface for managing fetch hooks.
type Manager interface {
	// Execute runs the script registered for the event, if any.
	Execute(event Event, ctx FetchContext) error

	// AddHook registers a new hook script.
	AddHook(hook Hook) error

	// RemoveHook removes the hook for the given event.
	RemoveHook(event Event) error

	// HasHook checks whether a hook is registered for the event.
	HasHook(event Event) bool
}
