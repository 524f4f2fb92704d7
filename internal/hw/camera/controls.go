package camera

// ReleasePhase is a value of the four-phase remote-release control.
type ReleasePhase string

const (
	PressHalf   ReleasePhase = "Press Half"
	PressFull   ReleasePhase = "Press Full"
	ReleaseFull ReleasePhase = "Release Full"
	ReleaseHalf ReleasePhase = "Release Half"
)

// ReleaseSequence is the order a remote release walks through: the
// same focus-then-trigger-then-release dance as a wired remote.
var ReleaseSequence = []ReleasePhase{PressHalf, PressFull, ReleaseFull, ReleaseHalf}

// Controls names the device controls the session and its jobs write.
// Names are device-specific but stable for a session; the defaults
// match Canon EOS bodies.
type Controls struct {
	CaptureTarget      string
	CaptureTargetValue string // host-only transfer
	ImageFormat        string // optional, empty = leave as is
	ImageFormatValue   string
	Viewfinder         string
	Autofocus          string // edge-triggered: write 0 then 1
	ExposureMode       string
	FlashOnValue       string
	FlashOffValue      string
	RemoteRelease      string
	Zoom               string // optional, empty = no zoom support
}

// DefaultControls returns the Canon EOS control names.
func DefaultControls() Controls {
	return Controls{
		CaptureTarget:      "capturetarget",
		CaptureTargetValue: "Internal RAM",
		ImageFormat:        "imageformat",
		ImageFormatValue:   "L",
		Viewfinder:         "viewfinder",
		Autofocus:          "autofocusdrive",
		ExposureMode:       "autoexposuremode",
		FlashOnValue:       "Green",
		FlashOffValue:      "Flash Off",
		RemoteRelease:      "eosremoterelease",
		Zoom:               "eoszoom",
	}
}

// Setting is one control write.
type Setting struct {
	Name  string
	Value any
}

// Baseline returns the writes applied after every connect: capture
// target first, then image format, then live view on. A control with
// an empty name is skipped.
func (c Controls) Baseline() []Setting {
	all := []Setting{
		{Name: c.CaptureTarget, Value: c.CaptureTargetValue},
		{Name: c.ImageFormat, Value: c.ImageFormatValue},
		{Name: c.Viewfinder, Value: 1},
	}
	settings := all[:0]
	for _, s := range all {
		if s.Name != "" {
			settings = append(settings, s)
		}
	}
	return settings
}
