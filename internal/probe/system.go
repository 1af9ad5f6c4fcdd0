package probe

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// System bundles the platform probes for the running OS.
type System struct {
	goos   string
	logger *slog.Logger
}

// NewSystem returns probes for runtime.GOOS.
func NewSystem(logger *slog.Logger) *System {
	if logger == nil {
		logger = slog.Default()
	}
	return &System{goos: runtime.GOOS, logger: logger}
}

// levelTrace is config.LevelTrace. config depends on this package.
const levelTrace = slog.Level(-8)

// run executes a probe command and logs its raw output at trace level.
func (s *System) run(ctx context.Context, name string, args ...string) (string, error) {
	out, err := runCommand(ctx, name, args...)
	if err != nil {
		s.logger.Log(ctx, levelTrace, "probe command failed", "cmd", name, "error", err)
		return "", err
	}
	s.logger.Log(ctx, levelTrace, "probe command", "cmd", name, "output", out)
	return out, nil
}

// --- Foreground window ---

// appleScriptFrontmost prints "<app>\t<window title>" for the frontmost
// process. The title is empty when the app exposes no window.
const appleScriptFrontmost = `
tell application "System Events"
	set frontProc to first application process whose frontmost is true
	set appName to name of frontProc
	set winTitle to ""
	try
		set winTitle to name of front window of frontProc
	end try
end tell
return appName & tab & winTitle`

// Foreground implements [Foreground].
func (s *System) Foreground(ctx context.Context) (Window, error) {
	switch s.goos {
	case "darwin":
		out, err := s.run(ctx, "osascript", "-e", appleScriptFrontmost)
		if err != nil {
			return Window{}, err
		}
		return parseTabbedWindow(out)
	case "linux":
		return s.foregroundX11(ctx)
	default:
		return Window{}, ErrUnsupported
	}
}

func (s *System) foregroundX11(ctx context.Context) (Window, error) {
	pidOut, err := s.run(ctx, "xdotool", "getactivewindow", "getwindowpid")
	if err != nil {
		return Window{}, err
	}
	pid, err := strconv.ParseInt(pidOut, 10, 32)
	if err != nil {
		return Window{}, fmt.Errorf("parse window pid %q: %w", pidOut, err)
	}
	title, err := s.run(ctx, "xdotool", "getactivewindow", "getwindowname")
	if err != nil {
		return Window{}, err
	}

	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return Window{}, fmt.Errorf("lookup pid %d: %w", pid, err)
	}
	name, err := proc.NameWithContext(ctx)
	if err != nil {
		return Window{}, fmt.Errorf("process name for pid %d: %w", pid, err)
	}
	if name == "" {
		return Window{}, ErrNoWindow
	}
	return Window{App: name, Title: title, PID: int32(pid)}, nil
}

// parseTabbedWindow parses "<app>\t<title>" output.
func parseTabbedWindow(out string) (Window, error) {
	app, title, _ := strings.Cut(out, "\t")
	app = strings.TrimSpace(app)
	if app == "" {
		return Window{}, ErrNoWindow
	}
	return Window{App: app, Title: strings.TrimSpace(title)}, nil
}

// --- Idle time ---

// hidIdleRe matches the HIDIdleTime property (nanoseconds since the last
// input event) in `ioreg -c IOHIDSystem` output.
var hidIdleRe = regexp.MustCompile(`"HIDIdleTime"\s*=\s*([0-9]+)`)

// IdleTime implements [IdleTimer].
func (s *System) IdleTime(ctx context.Context) (time.Duration, error) {
	switch s.goos {
	case "darwin":
		out, err := s.run(ctx, "/usr/sbin/ioreg", "-c", "IOHIDSystem")
		if err != nil {
			return 0, err
		}
		return parseIoregIdle(out)
	case "linux":
		out, err := s.run(ctx, "xprintidle")
		if err != nil {
			return 0, err
		}
		return parseXprintidle(out)
	default:
		return 0, ErrUnsupported
	}
}

func parseIoregIdle(out string) (time.Duration, error) {
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		m := hidIdleRe.FindStringSubmatch(scanner.Text())
		if len(m) == 2 {
			ns, err := strconv.ParseInt(m[1], 10, 64)
			if err != nil {
				return 0, fmt.Errorf("parse HIDIdleTime %q: %w", m[1], err)
			}
			return time.Duration(ns), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("HIDIdleTime not found")
}

// parseXprintidle parses xprintidle's millisecond count.
func parseXprintidle(out string) (time.Duration, error) {
	ms, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse xprintidle output %q: %w", out, err)
	}
	if ms < 0 {
		return 0, fmt.Errorf("negative idle time %d", ms)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// --- Process presence ---

// ProcessExists implements [ProcessChecker] by scanning the process
// table for an exact, case-insensitive name match.
func (s *System) ProcessExists(ctx context.Context, name string) (bool, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return false, fmt.Errorf("list processes: %w", err)
	}
	for _, p := range procs {
		n, err := p.NameWithContext(ctx)
		if err != nil {
			// Processes exit while we iterate.
			continue
		}
		if strings.EqualFold(n, name) {
			return true, nil
		}
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return false, nil
}

// --- Background playback ---

// appleScriptPlayback prints "<player>\t<state>\t<title>" for each
// running music player.
const appleScriptPlayback = `
set out to ""
if application "Music" is running then
	tell application "Music"
		try
			set out to out & "Music" & tab & (player state as string) & tab & (name of current track) & linefeed
		end try
	end tell
end if
if application "Spotify" is running then
	tell application "Spotify"
		try
			set out to out & "Spotify" & tab & (player state as string) & tab & (name of current track) & linefeed
		end try
	end tell
end if
return out`

// BackgroundPlayback detects playback in any player other than the
// frontmost application.
type BackgroundPlayback struct {
	sys        *System
	foreground Foreground
}

// NewBackgroundPlayback returns a detector that ignores players whose
// name matches the frontmost app reported by fg. A nil fg disables the
// exclusion.
func NewBackgroundPlayback(sys *System, fg Foreground) *BackgroundPlayback {
	return &BackgroundPlayback{sys: sys, foreground: fg}
}

// Playback implements [PlaybackDetector].
func (b *BackgroundPlayback) Playback(ctx context.Context) (Playback, bool, error) {
	var (
		out string
		err error
	)
	switch b.sys.goos {
	case "darwin":
		out, err = b.sys.run(ctx, "osascript", "-e", appleScriptPlayback)
	case "linux":
		out, err = b.sys.run(ctx, "playerctl", "-a", "metadata", "--format", "{{playerName}}\t{{status}}\t{{title}}")
	default:
		return Playback{}, false, ErrUnsupported
	}
	if err != nil {
		return Playback{}, false, err
	}

	front := ""
	if b.foreground != nil {
		if w, err := b.foreground.Foreground(ctx); err == nil {
			front = w.App
		}
	}
	p, ok := pickBackgroundPlayback(out, front)
	return p, ok, nil
}

// pickBackgroundPlayback returns the first playing entry of
// "<player>\t<status>\t<title>" lines whose player is not the frontmost
// app.
func pickBackgroundPlayback(out, frontApp string) (Playback, bool) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.SplitN(strings.TrimSpace(line), "\t", 3)
		if len(fields) < 2 {
			continue
		}
		player, status := strings.TrimSpace(fields[0]), strings.TrimSpace(fields[1])
		if player == "" || !strings.EqualFold(status, "playing") {
			continue
		}
		if frontApp != "" && samePlayer(player, frontApp) {
			continue
		}
		title := ""
		if len(fields) == 3 {
			title = strings.TrimSpace(fields[2])
		}
		return Playback{Player: player, Title: title}, true
	}
	return Playback{}, false
}

// samePlayer matches MPRIS player names ("firefox.instance_1_23") and
// app names ("Firefox") loosely.
func samePlayer(player, app string) bool {
	p := strings.ToLower(player)
	a := strings.ToLower(app)
	if i := strings.IndexByte(p, '.'); i > 0 {
		p = p[:i]
	}
	return p == a || strings.HasPrefix(a, p) || strings.HasPrefix(p, a)
}
