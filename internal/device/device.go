// Package device resolves the device selector from the run configuration.
// Compute in this repo runs on the host CPU; the device value drives
// per-rank assignment and tells the memory monitor which accelerator to
// probe.
package device

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// Kind is the device class.
type Kind string

const (
	CPU  Kind = "cpu"
	CUDA Kind = "cuda"
)

// Device identifies one compute device.
type Device struct {
	Kind  Kind
	Index int
}

func (d Device) String() string {
	if d.Kind == CUDA {
		return fmt.Sprintf("cuda:%d", d.Index)
	}
	return string(d.Kind)
}

// Select resolves a selector of the form "auto", "cpu", "cuda" or "cuda:N".
// "auto" picks cuda when the nvidia-smi utility is on PATH, cpu otherwise.
func Select(sel string) (Device, error) {
	switch {
	case sel == "" || sel == "auto":
		if _, err := exec.LookPath("nvidia-smi"); err == nil {
			return Device{Kind: CUDA}, nil
		}
		return Device{Kind: CPU}, nil
	case sel == "cpu":
		return Device{Kind: CPU}, nil
	case sel == "cuda":
		return Device{Kind: CUDA}, nil
	case strings.HasPrefix(sel, "cuda:"):
		idx, err := strconv.Atoi(strings.TrimPrefix(sel, "cuda:"))
		if err != nil || idx < 0 {
			return Device{}, fmt.Errorf("device: bad cuda index in %q", sel)
		}
		return Device{Kind: CUDA, Index: idx}, nil
	default:
		return Device{}, fmt.Errorf("device: unknown selector %q", sel)
	}
}

// HostInfo describes the host CPU for the startup log.
func HostInfo() string {
	flags := make([]string, 0, 2)
	if cpuid.CPU.Supports(cpuid.AVX2) {
		flags = append(flags, "avx2")
	}
	if cpuid.CPU.Supports(cpuid.AVX512F) {
		flags = append(flags, "avx512f")
	}
	name := cpuid.CPU.BrandName
	if name == "" {
		name = "unknown cpu"
	}
	return fmt.Sprintf("%s cores=%d threads=%d flags=%s",
		name, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores, strings.Join(flags, ","))
}
