package configstore

import "context"

// ConfigStore loads and saves one configuration document.
type ConfigStore interface {
	Load(ctx context.Context, out any) error
	Save(ctx context.Context, data any) error
}

// Watcher is implemented by stores that can report changes. onChange is
// called from the watcher's goroutine until ctx is done.
type Watcher interface {
	Watch(ctx context.Context, onChange func()) error
}
