package camera

import (
	"context"
	"os/exec"

	"github.com/hayesraffle/QuickCapture/internal/debug"
)

// ResetDaemons kills host daemons that grab the camera before we can
// (ptpcamerad and friends on macOS). It is best effort: a missing
// killall or no matching process is not an error.
func ResetDaemons(ctx context.Context, names []string) {
	if len(names) == 0 {
		return
	}
	args := append([]string{"-9"}, names...)
	out, err := exec.CommandContext(ctx, "killall", args...).CombinedOutput()
	if err != nil {
		debug.Trace("killall %v: %v (%s)", names, err, out)
	}
}
