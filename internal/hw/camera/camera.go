package camera

import (
	"errors"
	"fmt"
	"time"
)

// ErrDisconnected marks an error as transport loss. Drivers wrap it
// (fmt.Errorf("...: %w", ErrDisconnected)) whenever the device is
// gone; the session reconnects on it. Every other error is transient.
var ErrDisconnected = errors.New("camera disconnected")

// IsDisconnect reports whether err is disconnect-class.
func IsDisconnect(err error) bool {
	return errors.Is(err, ErrDisconnected)
}

// Connector opens a tethered camera. Each successful Connect yields a
// fresh Handle; the session never holds more than one.
type Connector interface {
	Connect() (Handle, error)
}

// ConnectorFunc adapts a function into a Connector.
type ConnectorFunc func() (Handle, error)

func (f ConnectorFunc) Connect() (Handle, error) { return f() }

// Handle is an open connection to one camera. It is the capability a
// platform driver binding (libgphoto2, PTP, ...) provides.
//
// Disconnect must be safe to call while another goroutine is blocked
// inside any other method: it is how a hung call gets cancelled.
type Handle interface {
	Disconnect() error
	SetControl(name string, value any) error
	CapturePreview() ([]byte, error)
	// WaitForEvent blocks for at most timeout. A timeout is reported
	// as an Event of type EventTimeout, not as an error.
	WaitForEvent(timeout time.Duration) (Event, error)
	FetchFile(ref FileRef) ([]byte, error)
}

// EventType tags a device notification.
type EventType int

const (
	EventTimeout EventType = iota
	EventFileAdded
	EventOther
)

func (t EventType) String() string {
	switch t {
	case EventTimeout:
		return "timeout"
	case EventFileAdded:
		return "file-added"
	default:
		return "other"
	}
}

// FileRef locates a file on the camera's storage.
type FileRef struct {
	Folder string
	Name   string
}

func (r FileRef) String() string {
	return fmt.Sprintf("%s/%s", r.Folder, r.Name)
}

// Event is a device notification. Ref is only set for EventFileAdded.
type Event struct {
	Type EventType
	Ref  FileRef
}
