package config

// Backend is the platform store for non-secret settings. Values are kept as
// strings; typing happens when they are applied to Config.
type Backend interface {
	Lookup(key string) (val string, ok bool, err error)
	Store(key, val string) error
}
