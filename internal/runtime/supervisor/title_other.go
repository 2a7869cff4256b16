//go:build !linux

package supervisor

// SetProcessTitle is a no-op outside Linux.
func SetProcessTitle(string) error { return nil }
