package loaders

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ShaderLibraryLoader reads a compiled ray tracing shader library. The bytes
// go to the device as is. Empty files are rejected: editors truncate before
// they write.
type ShaderLibraryLoader struct{}

func (sl *ShaderLibraryLoader) Load(path string) (*Resource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("shader library %s is empty", path)
	}
	return &Resource{
		Name:     strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		FullPath: path,
		DataSize: uint64(len(data)),
		Data:     data,
		LoadedAt: time.Now(),
	}, nil
}

func (sl *ShaderLibraryLoader) Unload(res *Resource) error {
	res.Data = nil
	res.DataSize = 0
	return nil
}
