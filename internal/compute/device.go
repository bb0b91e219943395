package compute

import (
	"errors"
	"log/slog"
)

// Errors returned by backends and the registry.
var (
	// ErrNoDevice is returned when a backend has no usable device.
	ErrNoDevice = errors.New("compute: no compute device available")

	// ErrDeviceIndex is returned for an index outside the enumerated devices.
	ErrDeviceIndex = errors.New("compute: invalid device index")

	// ErrUnknownBackend is returned when no backend has the requested name.
	ErrUnknownBackend = errors.New("compute: unknown backend")

	// ErrClosed is returned when a released handle or closed device is used.
	ErrClosed = errors.New("compute: device closed")

	// ErrUnsupported is returned when a kernel is asked for something it
	// does not implement.
	ErrUnsupported = errors.New("compute: unsupported operation")
)

// DeviceInfo describes one enumerated compute device.
type DeviceInfo struct {
	Backend string
	Index   int
	Name    string
	Type    string

	// ComputeQueues bounds how many frames may be in flight on the device.
	ComputeQueues int
}

// Program is a kernel compiled for one device. Programs are immutable and
// safe for concurrent dispatch from many streams.
type Program interface {
	Kernel() Kernel

	// Release frees the program's device objects. Release is idempotent.
	Release()
}

// Stream records device work for one processing job, in the manner of a
// command buffer: results of recorded work (including Download targets) are
// only guaranteed after SubmitAndWait returns.
//
// A Stream is not safe for concurrent use.
type Stream interface {
	// Upload copies a host image into a new float32 tensor of C=len(Planes).
	Upload(src HostImage) (*Tensor, error)

	// Download records a copy of src into dst. dst is filled once the next
	// SubmitAndWait returns.
	Download(src *Tensor, dst HostImage) error

	// NewTensor allocates a job-private tensor from the blob allocator.
	NewTensor(w, h, c int, p Precision) (*Tensor, error)

	// Release hands a tensor back. The memory is reused only after the work
	// that references it has completed.
	Release(t *Tensor)

	// Dispatch records one kernel invocation.
	Dispatch(p Program, bindings []*Tensor, params Params) error

	// SubmitAndWait executes everything recorded so far and blocks until
	// the device is idle for this stream.
	SubmitAndWait() error

	// Close releases all tensors still owned by the stream.
	Close()
}

// Device is one compute context. Its methods are safe for concurrent use.
type Device interface {
	Info() DeviceInfo

	// CompileProgram creates a program for k. The compiled code is cached
	// per device and built at most once per kernel; each call returns a new
	// Program owned by the caller.
	CompileProgram(k Kernel) (Program, error)

	// UploadTensor creates a persistent tensor (weights) outside any job.
	UploadTensor(data []float32, w, h, c int, p Precision) (*Tensor, error)

	// FreeTensor releases a tensor created by UploadTensor.
	FreeTensor(t *Tensor)

	AcquireBlobAllocator() Allocator
	ReclaimBlobAllocator(a Allocator)
	AcquireStagingAllocator() Allocator
	ReclaimStagingAllocator(a Allocator)

	// NewStream starts recording work that allocates from blob and stages
	// host transfers through staging.
	NewStream(blob, staging Allocator) Stream

	// Close destroys the device. Callers go through Registry.
	Close() error
}

// Backend enumerates and opens devices of one kind.
type Backend interface {
	Name() string

	// Devices lists the devices this backend can open.
	Devices() ([]DeviceInfo, error)

	// DefaultDevice returns the index used when none is configured.
	DefaultDevice() (int, error)

	// Open creates the device context for index.
	Open(index int, logger *slog.Logger) (Device, error)
}
