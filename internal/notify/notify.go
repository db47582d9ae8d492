// Package notify raises desktop notifications for critical discipline alerts.
package notify

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"
)

// Notifier delivers one notification.
type Notifier interface {
	Send(title, message string) error
}

// Desktop notifies through osascript on macOS and notify-send elsewhere.
type Desktop struct {
	GOOS string // empty: runtime.GOOS
}

func (d Desktop) Send(title, message string) error {
	name, args := d.command(title, message)
	if out, err := exec.Command(name, args...).CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (d Desktop) command(title, message string) (string, []string) {
	goos := d.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	if goos == "darwin" {
		script := fmt.Sprintf(`display notification "%s" with title "%s" sound name "default"`,
			escapeAppleScript(message), escapeAppleScript(title))
		return "osascript", []string{"-e", script}
	}
	return "notify-send", []string{"--urgency=critical", "--app-name=commsengine", title, message}
}

func escapeAppleScript(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}
