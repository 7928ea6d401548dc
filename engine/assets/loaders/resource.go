package loaders

import "time"

// Resource is the raw content of one asset file as a loader produced it.
type Resource struct {
	Name     string
	FullPath string
	DataSize uint64
	Data     []byte
	LoadedAt time.Time
}
