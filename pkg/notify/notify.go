// Package notify delivers fire-and-forget desktop notifications by
// executing a configured notifier command. Failures are observability-only
// and never propagate into the engine.
package notify

import (
	"context"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/foreman/pkg/log"
)

// sendTimeout bounds one notifier invocation.
const sendTimeout = 10 * time.Second

// Notifier runs a user-configured command with the title and message as
// arguments. An empty command disables notifications.
type Notifier struct {
	command string
	logger  zerolog.Logger
}

// New creates a notifier. command is resolved via the shell, e.g.
// "notify-send" or "osascript -e ...".
func New(command string) *Notifier {
	return &Notifier{command: command, logger: log.WithComponent("notify")}
}

// Send delivers one notification. Never called on the event loop.
func (n *Notifier) Send(title, message string) error {
	if n.command == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", n.command+` "$0" "$1"`, title, message)
	if err := cmd.Run(); err != nil {
		n.logger.Debug().Err(err).Str("title", title).Msg("Notifier command failed")
		return err
	}
	return nil
}
