package session

// ConnectionState is the lifecycle state of the camera connection.
// Exactly one handle is live while Ready and none otherwise.
type ConnectionState int

const (
	// No handle; either before the first attempt or between attempts.
	Disconnected ConnectionState = iota

	// An acquisition attempt is in progress.
	Connecting

	// A handle is live and owned by the dispatcher loop.
	Ready

	// The live handle failed with a disconnect and is being torn down.
	Faulted
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Status messages reported through Callbacks.OnStatus. The persistent
// ones stay on screen until superseded.
const (
	MsgConnecting   = "Connecting..."
	MsgWaiting      = "No camera -- waiting..."
	MsgReady        = "Ready"
	MsgDisconnected = "Disconnected -- replug USB"
	MsgPreviewLost  = "Live view lost -- reconnecting..."
)
