// Package probe implements the best-effort operating-system queries the
// trackers poll: the foreground window, the system idle time, process
// presence, and background media playback.
//
// Every probe may fail or time out; callers treat any error as "no
// signal" and try again on their next tick. Probes shell out to the
// usual desktop utilities (xdotool, xprintidle, playerctl on Linux;
// osascript and ioreg on macOS) and read the process table through
// gopsutil.
package probe

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrUnsupported is returned by probes that have no implementation on
// the running platform.
var ErrUnsupported = errors.New("probe not supported on this platform")

// ErrNoWindow is returned when the foreground query succeeded but did not
// name an application.
var ErrNoWindow = errors.New("no foreground window")

// Window describes the frontmost application and its focused window.
type Window struct {
	App   string
	Title string
	PID   int32
}

// Playback describes media playing somewhere other than the frontmost
// window.
type Playback struct {
	Player string
	Title  string
}

// Label returns the session label for the playback.
func (p Playback) Label() string {
	return p.Player
}

// Foreground reports the frontmost application.
type Foreground interface {
	Foreground(ctx context.Context) (Window, error)
}

// IdleTimer reports how long the user has not touched any input device.
type IdleTimer interface {
	IdleTime(ctx context.Context) (time.Duration, error)
}

// ProcessChecker reports whether a process with the given name runs.
type ProcessChecker interface {
	ProcessExists(ctx context.Context, name string) (bool, error)
}

// PlaybackDetector reports background playback. ok is false when
// nothing is playing outside the frontmost window.
type PlaybackDetector interface {
	Playback(ctx context.Context) (p Playback, ok bool, err error)
}

// ForegroundFunc adapts a function to [Foreground].
type ForegroundFunc func(ctx context.Context) (Window, error)

func (f ForegroundFunc) Foreground(ctx context.Context) (Window, error) { return f(ctx) }

// IdleTimerFunc adapts a function to [IdleTimer].
type IdleTimerFunc func(ctx context.Context) (time.Duration, error)

func (f IdleTimerFunc) IdleTime(ctx context.Context) (time.Duration, error) { return f(ctx) }

// ProcessCheckerFunc adapts a function to [ProcessChecker].
type ProcessCheckerFunc func(ctx context.Context, name string) (bool, error)

func (f ProcessCheckerFunc) ProcessExists(ctx context.Context, name string) (bool, error) {
	return f(ctx, name)
}

// PlaybackDetectorFunc adapts a function to [PlaybackDetector].
type PlaybackDetectorFunc func(ctx context.Context) (Playback, bool, error)

func (f PlaybackDetectorFunc) Playback(ctx context.Context) (Playback, bool, error) { return f(ctx) }

// runCommand executes name with args and returns trimmed stdout. The
// command is killed when ctx ends.
func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return "", fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return strings.TrimSpace(string(out)), nil
}
