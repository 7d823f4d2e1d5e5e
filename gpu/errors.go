package gpu

import "github.com/cockroachdb/errors"

var (
	// ErrDevice marks any failed device call: creation, allocation, submission, wait.
	ErrDevice = errors.New("device call failed")
	// ErrNoMemoryType means no memory type satisfied both the resource and the requested properties.
	ErrNoMemoryType = errors.New("no compatible memory type")
	// ErrUnsupportedFormat means no candidate format supported the requested features.
	ErrUnsupportedFormat = errors.New("unsupported format")
)

// DeviceError wraps err with the failed operation and marks it as ErrDevice.
func DeviceError(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrapf(err, format, args...), ErrDevice)
}
