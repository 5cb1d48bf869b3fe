// Package portaudio implements [audio.InputDevice] and [audio.OutputDevice] on
// top of the PortAudio library.
//
// PortAudio must be initialised before any stream is opened and terminated
// after the last one is closed. The package reference-counts this so that the
// capture and playback sides can acquire and release their devices
// independently.
package portaudio

import (
	"fmt"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/lessonvoice/pkg/audio"
)

var (
	initMu   sync.Mutex
	initRefs int
)

// acquire initialises PortAudio on the first call.
func acquire() error {
	initMu.Lock()
	defer initMu.Unlock()
	if initRefs == 0 {
		if err := pa.Initialize(); err != nil {
			return fmt.Errorf("portaudio: initialize: %w", err)
		}
	}
	initRefs++
	return nil
}

// release terminates PortAudio when the last holder lets go.
func release() {
	initMu.Lock()
	defer initMu.Unlock()
	if initRefs == 0 {
		return
	}
	initRefs--
	if initRefs == 0 {
		_ = pa.Terminate()
	}
}

// DeviceInfo describes one audio device as reported by PortAudio.
type DeviceInfo struct {
	Name              string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
	Default           bool
}

// ListDevices returns every device PortAudio can see. Default marks the
// platform default input or output device.
func ListDevices() ([]DeviceInfo, error) {
	if err := acquire(); err != nil {
		return nil, err
	}
	defer release()

	devices, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	defIn, _ := pa.DefaultInputDevice()
	defOut, _ := pa.DefaultOutputDevice()

	result := make([]DeviceInfo, 0, len(devices))
	for _, d := range devices {
		result = append(result, DeviceInfo{
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			MaxOutputChannels: d.MaxOutputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
			Default:           d == defIn || d == defOut,
		})
	}
	return result, nil
}

// findDevice resolves name to a device with at least one channel in the
// requested direction. An empty name selects the platform default.
func findDevice(name string, input bool) (*pa.DeviceInfo, error) {
	if name == "" {
		var (
			d   *pa.DeviceInfo
			err error
		)
		if input {
			d, err = pa.DefaultInputDevice()
		} else {
			d, err = pa.DefaultOutputDevice()
		}
		if err != nil {
			return nil, fmt.Errorf("%w: no default device: %v", audio.ErrDeviceUnavailable, err)
		}
		return d, nil
	}

	devices, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: enumerate devices: %v", audio.ErrDeviceUnavailable, err)
	}
	for _, d := range devices {
		if d.Name != name {
			continue
		}
		if input && d.MaxInputChannels > 0 || !input && d.MaxOutputChannels > 0 {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: device not found: %s", audio.ErrDeviceUnavailable, name)
}
