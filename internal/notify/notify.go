// Package notify implements fire-and-forget event notifications over email
// and a Pushover-shaped HTTP push channel: four event kinds, a per-channel
// per-event allow-list, and a "spawn a goroutine and don't wait for it"
// delivery model.
package notify

import (
	"bytes"
	"fmt"
	"log/slog"
	"text/template"
)

// Event kinds, one per notification message template.
const (
	EventServerStart = "server_start"
	EventServerStop  = "server_stop"
	EventPlayerJoin  = "player_join"
	EventPlayerLeave = "player_leave"
)

// Fields carries the template substitution values for one notification.
// Not every field applies to every event kind; unused fields are simply
// ignored by that event's template.
type Fields struct {
	Name   string
	Port   int
	Player string
	Count  int
	Reason string
}

type messageTemplate struct {
	subject *template.Template
	body    *template.Template
}

var templates = map[string]messageTemplate{
	EventServerStart: mustTemplate("[MC] Server Started: {{.Name}}", `Server "{{.Name}}" on port {{.Port}} started`),
	EventServerStop:  mustTemplate("[MC] Server Stopped: {{.Name}}", `Server "{{.Name}}" stopped. Reason: {{.Reason}}`),
	EventPlayerJoin:  mustTemplate("[MC] Player Joined: {{.Player}}", `{{.Player}} joined "{{.Name}}". Online: {{.Count}}`),
	EventPlayerLeave: mustTemplate("[MC] Player Left: {{.Player}}", `{{.Player}} left "{{.Name}}". Online: {{.Count}}`),
}

func mustTemplate(subject, body string) messageTemplate {
	return messageTemplate{
		subject: template.Must(template.New("subject").Parse(subject)),
		body:    template.Must(template.New("body").Parse(body)),
	}
}

func render(event string, fields Fields) (subject, body string, err error) {
	tmpl, ok := templates[event]
	if !ok {
		return "", "", fmt.Errorf("notify: unknown event kind %q", event)
	}

	var subjectBuf, bodyBuf bytes.Buffer
	if err := tmpl.subject.Execute(&subjectBuf, fields); err != nil {
		return "", "", fmt.Errorf("notify: render subject for %q: %w", event, err)
	}
	if err := tmpl.body.Execute(&bodyBuf, fields); err != nil {
		return "", "", fmt.Errorf("notify: render body for %q: %w", event, err)
	}
	return subjectBuf.String(), bodyBuf.String(), nil
}

// Channel is one notification delivery mechanism. Implementations must be
// safe for concurrent Send calls.
type Channel interface {
	// Name identifies the channel in logs and the ops self-test route.
	Name() string
	// Send delivers subject/body, returning an error on failure. It is
	// never retried by the caller: delivery here is at-most-once.
	Send(subject, body string) error
}

// channelConfig pairs a Channel with the set of event kinds it is allowed
// to fire for.
type channelConfig struct {
	channel Channel
	events  map[string]bool
}

// Manager fans an event out to every enabled, allow-listed channel in its
// own goroutine, fire-and-forget.
type Manager struct {
	logger   *slog.Logger
	channels []channelConfig
}

// NewManager builds a Manager with no channels registered. Use Register to
// add channels after construction, typically once at startup from parsed
// registry configuration.
func NewManager(logger *slog.Logger) *Manager {
	return &Manager{logger: logger}
}

// Register adds a channel and the set of events it should fire for. events
// with a false or absent value are suppressed for that channel.
func (m *Manager) Register(channel Channel, events map[string]bool) {
	m.channels = append(m.channels, channelConfig{channel: channel, events: events})
}

// Notify renders event's templates and dispatches to every allow-listed
// channel in its own goroutine. It returns immediately; delivery outcomes
// are logged, not returned, matching the at-most-once fire-and-forget
// contract.
func (m *Manager) Notify(event string, fields Fields) {
	subject, body, err := render(event, fields)
	if err != nil {
		m.logger.Warn("notify: skipping event", "event", event, "error", err)
		return
	}

	for _, cc := range m.channels {
		if !cc.events[event] {
			continue
		}
		channel := cc.channel
		go func() {
			if err := channel.Send(subject, body); err != nil {
				m.logger.Warn("notify: delivery failed", "channel", channel.Name(), "event", event, "error", err)
			}
		}()
	}
}

// Test runs a synchronous test send (not fire-and-forget, unlike Notify) for
// the named channel, for the ops self-test route to report success/failure
// back to the caller.
func (m *Manager) Test(channelName string) error {
	for _, cc := range m.channels {
		if cc.channel.Name() == channelName {
			return cc.channel.Send("[MC] Test Notification", "This is a test notification from corvus-gate.")
		}
	}
	return fmt.Errorf("notify: no registered channel named %q", channelName)
}
