//go:build !linux

package watcher

func newEventSource(root string, exclude func(string) bool) (eventSource, error) {
	return nil, ErrUnsupported
}
