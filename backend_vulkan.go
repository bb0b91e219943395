//go:build !nogpu

package waifu2x

import "github.com/gogpu/waifu2x/internal/compute/vulkan"

func init() {
	providerBackend = vulkan.FromProvider
}
