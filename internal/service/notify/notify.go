package notify

import (
	"bytes"
	"context"
	"html/template"
)

// Email to deliver
type Message struct {
	To      string
	Subject string
	HTML    string
}

// Delivers one message. Implementations must respect ctx deadline
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

var (
	welcomeTmpl = template.Must(template.New("welcome").Parse(
		`<p>Hi{{if .Name}} {{.Name}}{{end}},</p><p>Thanks for registering.</p>`,
	))
	loginTmpl = template.Must(template.New("login").Parse(
		`<p>Hi{{if .Name}} {{.Name}}{{end}},</p><p>You just signed in to your account.</p>`,
	))
)

// Welcome email sent after registration
func Welcome(to string, name string) Message {
	return Message{
		To:      to,
		Subject: "Welcome to Auth System",
		HTML:    render(welcomeTmpl, name, "Thanks for registering."),
	}
}

// Notice sent after every successful login
func LoginNotice(to string, name string) Message {
	return Message{
		To:      to,
		Subject: "Login Notification",
		HTML:    render(loginTmpl, name, "You just signed in to your account."),
	}
}

func render(tmpl *template.Template, name string, fallback string) string {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, struct{ Name string }{Name: name}); err != nil {
		return "<p>" + template.HTMLEscapeString(fallback) + "</p>"
	}
	return buf.String()
}
