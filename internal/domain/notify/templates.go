package notify

import (
	"bytes"
	"fmt"
	"text/template"
)

// RenderingError marks a per-channel template failure. It never blocks
// sibling channels for the same event.
type RenderingError struct {
	Kind    EventKind
	Channel Channel
	Err     error
}

func (e *RenderingError) Error() string {
	return fmt.Sprintf("render %s for %s: %v", e.Kind, e.Channel, e.Err)
}
func (e *RenderingError) Unwrap() error { return e.Err }

type templateKey struct {
	kind    EventKind
	channel Channel
}

// TemplateEngine renders channel-specific payloads keyed by event kind.
// Bodies deliberately never include message content; they point the recipient
// back into the app.
type TemplateEngine struct {
	subjects map[templateKey]*template.Template
	bodies   map[templateKey]*template.Template
}

type templateDef struct {
	kind    EventKind
	channel Channel
	subject string
	body    string
}

var builtinTemplates = []templateDef{
	{EventNewMessage, ChannelEmail,
		"New secure message waiting",
		"You have a new secure message{{if .thread_title}} in \"{{.thread_title}}\"{{end}}. Sign in to read it."},
	{EventNewMessage, ChannelSMS, "",
		"New secure message waiting. Sign in to your care portal to read it."},
	{EventAppointmentReminder, ChannelEmail,
		"Appointment reminder: {{.appointment_time}}",
		"This is a reminder for your appointment{{if .provider_name}} with {{.provider_name}}{{end}} at {{.appointment_time}}."},
	{EventAppointmentReminder, ChannelSMS, "",
		"Reminder: appointment at {{.appointment_time}}. Reply in your care portal to reschedule."},
	{EventPrescriptionRenewal, ChannelEmail,
		"Prescription renewal due",
		"Your prescription{{if .medication}} for {{.medication}}{{end}} is due for renewal. Sign in to request it."},
	{EventPrescriptionRenewal, ChannelSMS, "",
		"Your prescription is due for renewal. Sign in to your care portal to request it."},
	{EventCriticalEscalation, ChannelEmail,
		"URGENT: unread critical message",
		"A critical secure message is still unread. Please sign in immediately."},
	{EventCriticalEscalation, ChannelSMS, "",
		"URGENT: a critical secure message is waiting. Please sign in immediately."},
}

// NewTemplateEngine loads the built-in template catalogue.
func NewTemplateEngine() (*TemplateEngine, error) {
	e := &TemplateEngine{
		subjects: make(map[templateKey]*template.Template),
		bodies:   make(map[templateKey]*template.Template),
	}
	for _, def := range builtinTemplates {
		if err := e.Register(def.kind, def.channel, def.subject, def.body); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Register adds or replaces the template for one (kind, channel) pair.
func (e *TemplateEngine) Register(kind EventKind, channel Channel, subject, body string) error {
	key := templateKey{kind, channel}
	bt, err := template.New(string(kind) + "/" + string(channel)).Option("missingkey=zero").Parse(body)
	if err != nil {
		return fmt.Errorf("parse body template %s/%s: %w", kind, channel, err)
	}
	e.bodies[key] = bt
	if subject != "" {
		st, err := template.New(string(kind) + "/" + string(channel) + "/subject").Option("missingkey=zero").Parse(subject)
		if err != nil {
			return fmt.Errorf("parse subject template %s/%s: %w", kind, channel, err)
		}
		e.subjects[key] = st
	} else {
		delete(e.subjects, key)
	}
	return nil
}

// Render produces the payload for one channel of one event.
func (e *TemplateEngine) Render(event DomainEvent, channel Channel) (Payload, error) {
	key := templateKey{event.Kind, channel}
	bt, ok := e.bodies[key]
	if !ok {
		return Payload{}, &RenderingError{Kind: event.Kind, Channel: channel,
			Err: fmt.Errorf("no template registered")}
	}

	data := event.Payload
	if data == nil {
		data = map[string]string{}
	}

	var body bytes.Buffer
	if err := bt.Execute(&body, data); err != nil {
		return Payload{}, &RenderingError{Kind: event.Kind, Channel: channel, Err: err}
	}
	payload := Payload{Body: body.String()}

	if st, ok := e.subjects[key]; ok {
		var subject bytes.Buffer
		if err := st.Execute(&subject, data); err != nil {
			return Payload{}, &RenderingError{Kind: event.Kind, Channel: channel, Err: err}
		}
		payload.Subject = subject.String()
	}
	return payload, nil
}
