package ffmpeg

import (
	"errors"
	"fmt"
)

var ErrEngineUnavailable = errors.New("transcoding engine unavailable")

// ProbeError is returned when the inspection tool could not be
// invoked, or it produced output which could not be understood.
type ProbeError struct {
	Path   string
	Stderr string
	Err    error
}

func (e *ProbeError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("probe of %s failed: %v (stderr: %s)", e.Path, e.Err, e.Stderr)
	}

	return fmt.Sprintf("probe of %s failed: %v", e.Path, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// TranscodeError is returned when a transcoding job failed to spawn or
// exited unsuccessfully. The command line and the streams captured from
// the process are kept verbatim.
type TranscodeError struct {
	Kind        JobKind
	CommandLine string
	ExitCode    int
	Stdout      string
	Stderr      string
	Err         error
}

func (e *TranscodeError) Error() string {
	return fmt.Sprintf("%s job failed (exit code %d): %v; command: %s", e.Kind, e.ExitCode, e.Err, e.CommandLine)
}

func (e *TranscodeError) Unwrap() error { return e.Err }
