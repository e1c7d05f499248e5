package container

import "errors"

// Named error kinds. Operations wrap one of these with fmt.Errorf("...: %w", Err...)
// so callers can errors.Is against a specific failure kind rather than a status code.
var (
	// ErrContainerStart is returned when the runtime reports a non-zero exit on creation.
	ErrContainerStart = errors.New("container start failed")

	// ErrLocalPathMissing is returned by CopyInTree when the host source path
	// does not exist, before any container-side command is issued.
	ErrLocalPathMissing = errors.New("local path missing")

	// ErrCopyIn is returned when materializing a file or tree inside the container fails.
	ErrCopyIn = errors.New("copy into container failed")

	// ErrCopyOut is returned when reading a file back out of the container fails.
	ErrCopyOut = errors.New("copy out of container failed")
)
