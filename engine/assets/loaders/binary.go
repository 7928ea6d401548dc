package loaders

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const spirvMagic uint32 = 0x07230203

// SPIRVLoader reads a SPIR-V module and checks its header before the
// Vulkan backend wraps it in a shader module.
type SPIRVLoader struct{}

func (bl *SPIRVLoader) Load(path string) (*Resource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	if len(buf) < 20 || len(buf)%4 != 0 {
		return nil, fmt.Errorf("%s: %d bytes is not a SPIR-V module", path, len(buf))
	}
	code := bytesToBytecode(buf)
	if code[0] != spirvMagic {
		return nil, fmt.Errorf("%s: bad SPIR-V magic 0x%08x", path, code[0])
	}

	return &Resource{
		Name:     strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		FullPath: path,
		DataSize: uint64(len(buf)),
		Data:     buf,
		LoadedAt: time.Now(),
	}, nil
}

func (bl *SPIRVLoader) Unload(res *Resource) error {
	res.Data = nil
	res.DataSize = 0
	return nil
}

func bytesToBytecode(b []byte) []uint32 {
	byteCode := make([]uint32, len(b)/4)
	for i := 0; i < len(byteCode); i++ {
		byteIndex := i * 4
		byteCode[i] = 0
		byteCode[i] |= uint32(b[byteIndex])
		byteCode[i] |= uint32(b[byteIndex+1]) << 8
		byteCode[i] |= uint32(b[byteIndex+2]) << 16
		byteCode[i] |= uint32(b[byteIndex+3]) << 24
	}

	return byteCode
}
