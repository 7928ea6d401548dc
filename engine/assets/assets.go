package assets

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spaghettifunk/anima-rt/engine/assets/loaders"
	"github.com/spaghettifunk/anima-rt/engine/core"
)

type AssetType uint8

const (
	AssetTypeNone AssetType = iota
	// A compiled ray tracing shader library (.rtlib).
	AssetTypeShaderLibrary
	AssetTypeSPIRV
	AssetTypeConfig
)

func (t AssetType) String() string {
	switch t {
	case AssetTypeShaderLibrary:
		return "shader library"
	case AssetTypeSPIRV:
		return "spir-v"
	case AssetTypeConfig:
		return "config"
	}
	return "none"
}

type AssetInfo struct {
	Path       string
	Type       AssetType
	LastLoaded time.Time
}

// ChangeFunc is called from the watcher goroutine when an asset file is
// created or written.
type ChangeFunc func(info AssetInfo)

type AssetManager struct {
	assets    map[string]AssetInfo
	loaders   map[AssetType]Loader
	listeners map[AssetType][]ChangeFunc

	mutex sync.RWMutex

	done     chan struct{}
	stopped  chan struct{}
	fsnotify *fsnotify.Watcher
	watching bool
	isClosed bool
}

func NewAssetManager() (*AssetManager, error) {
	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	am := &AssetManager{
		assets:    make(map[string]AssetInfo),
		loaders:   make(map[AssetType]Loader),
		listeners: make(map[AssetType][]ChangeFunc),
		fsnotify:  fsWatch,
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	am.registerLoader(AssetTypeShaderLibrary, &loaders.ShaderLibraryLoader{})
	am.registerLoader(AssetTypeSPIRV, &loaders.SPIRVLoader{})
	return am, nil
}

// Initialize indexes every asset below assetsDir. With watch set, the
// directory tree is watched and listeners hear about every change.
func (am *AssetManager) Initialize(assetsDir string, watch bool) error {
	if am.isClosed {
		return errors.New("asset manager already closed")
	}
	if watch {
		am.watching = true
		go am.start()
	}
	if err := am.watchRecursive(filepath.Clean(assetsDir), !watch); err != nil {
		return err
	}
	core.LogInfo("asset manager: %d assets indexed under %s (watch=%t)", am.Count(), assetsDir, watch)
	return nil
}

// Register loaders for each asset type
func (am *AssetManager) registerLoader(assetType AssetType, loader Loader) {
	am.loaders[assetType] = loader
}

// OnChange registers fn for writes to assets of type t.
func (am *AssetManager) OnChange(t AssetType, fn ChangeFunc) {
	am.mutex.Lock()
	defer am.mutex.Unlock()
	am.listeners[t] = append(am.listeners[t], fn)
}

func (am *AssetManager) Count() int {
	am.mutex.RLock()
	defer am.mutex.RUnlock()
	return len(am.assets)
}

// Lookup returns the index entry of an asset.
func (am *AssetManager) Lookup(path string) (AssetInfo, bool) {
	am.mutex.RLock()
	defer am.mutex.RUnlock()
	info, ok := am.assets[filepath.Clean(path)]
	return info, ok
}

// LoadAsset reads an indexed asset with the loader registered for its type.
func (am *AssetManager) LoadAsset(path string) (*loaders.Resource, error) {
	path = filepath.Clean(path)

	am.mutex.Lock()
	asset, exists := am.assets[path]
	if exists {
		asset.LastLoaded = time.Now()
		am.assets[path] = asset
	}
	am.mutex.Unlock()
	if !exists {
		return nil, fmt.Errorf("asset not found: %s", path)
	}

	loader, loaderExists := am.loaders[asset.Type]
	if !loaderExists {
		return nil, fmt.Errorf("no loader registered for asset type: %s", asset.Type)
	}
	res, err := loader.Load(path)
	if err != nil {
		core.LogError("failed to load %s: %s", path, err)
		return nil, err
	}
	core.LogDebug("loaded %s asset %s (%d bytes)", asset.Type, path, res.DataSize)
	return res, nil
}

func (am *AssetManager) UnloadAsset(res *loaders.Resource) error {
	info, ok := am.Lookup(res.FullPath)
	if !ok {
		return fmt.Errorf("asset not found: %s", res.FullPath)
	}
	return am.loaders[info.Type].Unload(res)
}

// Shutdown stops the watcher. The index stays readable.
func (am *AssetManager) Shutdown() error {
	if am.isClosed {
		return nil
	}
	am.isClosed = true
	if !am.watching {
		return am.fsnotify.Close()
	}
	close(am.done)
	<-am.stopped
	return nil
}

func (am *AssetManager) start() {
	defer close(am.stopped)
	for {
		select {

		case e, ok := <-am.fsnotify.Events:
			if !ok {
				return
			}
			s, err := os.Stat(e.Name)
			if err == nil && s != nil && s.IsDir() {
				if e.Op&fsnotify.Create != 0 {
					if err := am.watchRecursive(e.Name, false); err != nil {
						core.LogWarn("asset manager: cannot watch %s: %s", e.Name, err)
					}
				}
				continue
			}
			// Handle create or modify events
			if e.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				if info, ok := am.handleFileEvent(e.Name); ok {
					am.notify(info)
				}
			}
			// A removed path cannot be stat'ed, so it is dropped from both
			// the index and the watch list whatever it was.
			if e.Op&fsnotify.Remove != 0 {
				am.removeAsset(e.Name)
				_ = am.fsnotify.Remove(e.Name)
			}

		case err, ok := <-am.fsnotify.Errors:
			if !ok {
				return
			}
			core.LogError("asset watcher: %s", err)

		case <-am.done:
			am.fsnotify.Close()
			return
		}
	}
}

func (am *AssetManager) notify(info AssetInfo) {
	am.mutex.RLock()
	fns := append([]ChangeFunc(nil), am.listeners[info.Type]...)
	am.mutex.RUnlock()
	core.LogDebug("asset manager: %s changed", info.Path)
	for _, fn := range fns {
		fn(info)
	}
}

// watchRecursive indexes every file under path and, unless indexOnly,
// adds every directory to the watch list.
func (am *AssetManager) watchRecursive(path string, indexOnly bool) error {
	return filepath.Walk(path, func(walkPath string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if fi.IsDir() {
			if indexOnly {
				return nil
			}
			return am.fsnotify.Add(walkPath)
		}
		am.handleFileEvent(walkPath)
		return nil
	})
}

// Handle the creation or modification of a file
func (am *AssetManager) handleFileEvent(path string) (AssetInfo, bool) {
	path = filepath.Clean(path)
	assetType := determineAssetType(path)
	if assetType == AssetTypeNone {
		return AssetInfo{}, false
	}

	am.mutex.Lock()
	defer am.mutex.Unlock()
	info := AssetInfo{
		Path:       path,
		Type:       assetType,
		LastLoaded: am.assets[path].LastLoaded,
	}
	am.assets[path] = info
	return info, true
}

// Remove the asset from the index if it was deleted
func (am *AssetManager) removeAsset(path string) {
	am.mutex.Lock()
	defer am.mutex.Unlock()

	delete(am.assets, filepath.Clean(path))
}

func determineAssetType(path string) AssetType {
	switch filepath.Ext(path) {
	case ".rtlib":
		return AssetTypeShaderLibrary
	case ".spv":
		return AssetTypeSPIRV
	case ".toml":
		return AssetTypeConfig
	default:
		return AssetTypeNone
	}
}
