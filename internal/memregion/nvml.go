package memregion

import (
	"fmt"
	"sync"

	"github.com/NVIDIA/go-nvlib/pkg/nvlib/device"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// nvmlState lazily initialises NVML once per process, the same
// init-once-then-reuse-the-instance shape leptonai-gpud's query/nvml
// package uses around nvml.New()/nvmlLib.Init().
var (
	nvmlOnce  sync.Once
	nvmlErr   error
	nvmlLib   nvml.Interface
	deviceLib device.Interface
)

func initNVML() {
	nvmlLib = nvml.New()
	if ret := nvmlLib.Init(); ret != nvml.SUCCESS {
		nvmlErr = fmt.Errorf("nvml init failed: %v", nvml.ErrorString(ret))
		return
	}
	deviceLib = device.New(nvmlLib)
}

// validateDevice confirms deviceIndex names a present, healthy GPU. It
// is query-only: this module never drives a CUDA allocator through
// NVML, it only uses NVML the way leptonai-gpud's monitoring path does,
// to decide whether a device-kind Memory Region's bounce buffer should
// report itself as backed by real hardware.
func validateDevice(deviceIndex int) error {
	nvmlOnce.Do(initNVML)
	if nvmlErr != nil {
		return nvmlErr
	}

	devices, err := deviceLib.GetDevices()
	if err != nil {
		return fmt.Errorf("nvml device enumeration failed: %w", err)
	}
	if deviceIndex < 0 || deviceIndex >= len(devices) {
		return fmt.Errorf("device index %d out of range (0..%d)", deviceIndex, len(devices)-1)
	}

	if _, ret := devices[deviceIndex].GetMemoryInfo(); ret != nvml.SUCCESS {
		return fmt.Errorf("nvml memory info query failed: %v", nvml.ErrorString(ret))
	}
	return nil
}
