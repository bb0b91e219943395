// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

//go:build !nogpu

package vulkan

import (
	"encoding/binary"
	"fmt"

	"github.com/gogpu/naga"

	"github.com/gogpu/waifu2x/internal/compute"
)

// compileKernel translates the kernel's WGSL program to SPIR-V words. It
// is the build function of the per-device program cache.
func compileKernel(k compute.Kernel) ([]uint32, error) {
	s := shaders[k]
	if s == nil {
		return nil, fmt.Errorf("%w: kernel %s", compute.ErrUnsupported, k)
	}
	code, err := naga.Compile(s.source())
	if err != nil {
		return nil, fmt.Errorf("vulkan: compile %s: %w", s.name, err)
	}
	if len(code)%4 != 0 {
		return nil, fmt.Errorf("vulkan: compile %s: SPIR-V length %d is not word aligned", s.name, len(code))
	}

	// SPIR-V is a stream of little-endian 32-bit words.
	words := make([]uint32, len(code)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(code[i*4:])
	}
	return words, nil
}
