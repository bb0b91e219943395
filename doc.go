// Package waifu2x upscales and denoises images with the waifu2x
// convolutional networks, running them on a GPU through Vulkan compute or
// on the CPU.
//
// # Overview
//
// A [Pipeline] binds one model to one compute device. Each call to
// [Pipeline.Process] takes a planar RGB float frame and writes the
// denoised and (optionally) 2x upscaled result:
//
//	opts := waifu2x.DefaultOptions()
//	opts.Noise = 1
//	p, err := waifu2x.New(opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer p.Close()
//
//	dst := waifu2x.NewImage(p.OutputSize(src.Width, src.Height))
//	if err := p.Process(ctx, src, dst); err != nil {
//	    log.Fatal(err)
//	}
//
// # Tiling
//
// Frames larger than TileW x TileH are cut into tiles. Every tile is
// extended by the model's prepadding, processed independently and only
// its unpadded center is written to the output, so the tiled result
// matches the untiled one. Smaller tiles trade speed for device memory.
//
// # Models
//
// Model files use the ncnn .param/.bin format and are looked up under
// Options.ModelDir, one directory per family:
//
//	models-upconv_7_anime_style_art_rgb/
//	models-upconv_7_photo/
//	models-cunet/
//
// with the file names scale2.0x_model, noise{N}_model and
// noise{N}_scale2.0x_model. Only the cunet family has scale 1 models.
//
// # Concurrency
//
// Process is safe for concurrent use. At most Options.WorkerCount frames
// run on the device at a time; further callers block until a slot is free
// or their context is done. Pipelines on the same device share one device
// context, which is closed when the last of them is closed.
//
// # Backends
//
// The vulkan backend is used when a Vulkan device is present; the cpu
// backend always works. Build with the nogpu tag to leave the vulkan
// backend out. [Devices] lists what a backend can open.
//
// # Errors
//
// Errors returned by New and Process are *[Error] values whose Kind tells
// invalid parameters, missing devices, model load failures and device
// execution failures apart; compare with [errors.Is] against
// [ErrInvalidParameter], [ErrDeviceUnavailable], [ErrModelLoad] and
// [ErrDeviceExecution].
package waifu2x
