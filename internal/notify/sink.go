package notify

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/basket/pushkeeper/internal/shared"
)

// Sink renders a notification somewhere the user can see it.
type Sink interface {
	Render(ctx context.Context, n Notification) error
}

// SinkName returns the name a sink reports itself under in logs and push
// results.
func SinkName(s Sink) string {
	if n, ok := s.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", s)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, n Notification) error

func (f SinkFunc) Render(ctx context.Context, n Notification) error { return f(ctx, n) }

// CommandSink runs a shell command per notification, e.g.
//
//	notify-send -i {{.Icon}} {{.Title}} {{.Body}}
//
// Placeholders expand to single shell-quoted words, so payload text never
// reaches the shell unquoted.
type CommandSink struct {
	Command string
}

func (CommandSink) Name() string { return "command" }

func (s CommandSink) Render(ctx context.Context, n Notification) error {
	if strings.TrimSpace(s.Command) == "" {
		return nil
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", expandCommand(s.Command, n))
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("notify command failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func expandCommand(command string, n Notification) string {
	r := strings.NewReplacer(
		"{{.ID}}", shared.ShellQuote(n.ID),
		"{{.Title}}", shared.ShellQuote(n.Title),
		"{{.Body}}", shared.ShellQuote(n.Body),
		"{{.Icon}}", shared.ShellQuote(n.Icon),
		"{{.Badge}}", shared.ShellQuote(n.Badge),
		"{{.Tag}}", shared.ShellQuote(n.Tag),
		"{{.ChatID}}", shared.ShellQuote(n.ChatID),
	)
	return r.Replace(command)
}
