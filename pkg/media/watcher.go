package media

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/televisita/telecall/pkg/logger"
)

// DeviceWatcher observes the device directory for cameras and audio devices
// appearing or disappearing, so stale saved device ids can be dropped before
// the next acquisition attempts them.
type DeviceWatcher struct {
	watcher  *fsnotify.Watcher
	logger   *logger.Logger
	onChange func(name string, removed bool)

	once sync.Once
	done chan struct{}
	wg   sync.WaitGroup
}

// NewDeviceWatcher watches dir (normally /dev). onChange fires for every
// capture device add or remove, with removed=true on disappearance.
func NewDeviceWatcher(dir string, onChange func(name string, removed bool), log *logger.Logger) (*DeviceWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	dw := &DeviceWatcher{
		watcher:  w,
		logger:   log,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	dw.wg.Add(1)
	go dw.loop()
	return dw, nil
}

func (d *DeviceWatcher) loop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.done:
			return
		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Base(ev.Name)
			if !isCaptureDevice(name) {
				continue
			}
			switch {
			case ev.Has(fsnotify.Create):
				d.logger.Info("capture device added", "device", name)
				d.onChange(name, false)
			case ev.Has(fsnotify.Remove):
				d.logger.Info("capture device removed", "device", name)
				d.onChange(name, true)
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.logger.Warn("device watch error", "error", err)
		}
	}
}

// Close stops watching. Idempotent.
func (d *DeviceWatcher) Close() error {
	var err error
	d.once.Do(func() {
		close(d.done)
		err = d.watcher.Close()
		d.wg.Wait()
	})
	return err
}

// isCaptureDevice matches the /dev entries we care about: V4L2 video nodes
// and ALSA sound devices.
func isCaptureDevice(name string) bool {
	return strings.HasPrefix(name, "video") ||
		strings.HasPrefix(name, "snd") ||
		strings.HasPrefix(name, "audio")
}
