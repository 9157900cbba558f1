// Package templates renders the transactional emails the service sends,
// using Liquid templates compiled once at startup.
package templates

import (
	"embed"
	"fmt"

	"github.com/osteele/liquid"
)

//go:embed files/*.liquid
var files embed.FS

// Email is a rendered message ready for the gateway.
type Email struct {
	Subject string
	HTML    string
	Text    string
}

// Renderer holds the parsed templates. Safe for concurrent use.
type Renderer struct {
	subject *liquid.Template
	html    *liquid.Template
	text    *liquid.Template
}

// New parses the embedded confirmation templates.
func New() (*Renderer, error) {
	engine := liquid.NewEngine()

	parse := func(name string) (*liquid.Template, error) {
		src, err := files.ReadFile("files/" + name)
		if err != nil {
			return nil, fmt.Errorf("templates: read %s: %w", name, err)
		}
		tpl, perr := engine.ParseTemplateLocation(src, name, 1)
		if perr != nil {
			return nil, fmt.Errorf("templates: parse %s: %w", name, perr)
		}
		return tpl, nil
	}

	var r Renderer
	var err error
	if r.subject, err = parse("confirmation_subject.liquid"); err != nil {
		return nil, err
	}
	if r.html, err = parse("confirmation_html.liquid"); err != nil {
		return nil, err
	}
	if r.text, err = parse("confirmation_text.liquid"); err != nil {
		return nil, err
	}
	return &r, nil
}

// Confirmation renders the welcome email carrying the confirmation link.
func (r *Renderer) Confirmation(name, link string) (Email, error) {
	bindings := liquid.Bindings{"name": name, "link": link}

	subject, err := r.subject.RenderString(bindings)
	if err != nil {
		return Email{}, fmt.Errorf("templates: render subject: %w", err)
	}
	html, err := r.html.RenderString(bindings)
	if err != nil {
		return Email{}, fmt.Errorf("templates: render html: %w", err)
	}
	text, err := r.text.RenderString(bindings)
	if err != nil {
		return Email{}, fmt.Errorf("templates: render text: %w", err)
	}
	return Email{Subject: subject, HTML: html, Text: text}, nil
}
