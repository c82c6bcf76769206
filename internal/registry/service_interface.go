package registry

// Service is a long-running agent component. Start must not block; Stop waits for the
// component's goroutines to exit. Both fail when called in the wrong state.
type Service interface {
	Start() error
	Stop() error
}
