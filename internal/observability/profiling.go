package observability

import (
	"fmt"
	"strings"

	"github.com/pkg/profile"
)

// StartProfiling starts the named profile ("cpu", "mem", "allocs", "block",
// "mutex", "trace") writing into dir. An empty mode is a no-op. Call the
// returned stop function before exiting.
func StartProfiling(mode, dir string) (stop func(), err error) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" || mode == "off" {
		return func() {}, nil
	}
	var kind func(*profile.Profile)
	switch mode {
	case "cpu":
		kind = profile.CPUProfile
	case "mem":
		kind = profile.MemProfile
	case "allocs":
		kind = profile.MemProfileAllocs
	case "block":
		kind = profile.BlockProfile
	case "mutex":
		kind = profile.MutexProfile
	case "trace":
		kind = profile.TraceProfile
	default:
		return func() {}, fmt.Errorf("unknown profile mode %q", mode)
	}
	if dir == "" {
		dir = "."
	}
	p := profile.Start(kind, profile.ProfilePath(dir), profile.NoShutdownHook, profile.Quiet)
	return p.Stop, nil
}
