package types

// LifecycleManager is the start/stop contract every gate component
// answers to. Start and Stop are one-shot transitions; both report a
// sentinel when called in the wrong state.
type LifecycleManager interface {
	Start() error
	Stop() error
	IsRunning() bool
}
