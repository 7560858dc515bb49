package email

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
)

//go:embed templates/*.html
var templateFS embed.FS

type baseEmailData struct {
	Title      string
	Heading    string
	Subheading string
}

// RuleEmail is the content of a send_email automation action.
type RuleEmail struct {
	Subject         string
	Body            string
	OpportunityName string
	StageName       string
	RuleName        string
	Value           string
}

type ruleEmailData struct {
	baseEmailData
	RuleEmail
}

func renderEmailTemplate(name string, data any) (string, error) {
	templates := []string{"templates/base.html", "templates/" + name}
	tmpl, err := template.New("base.html").ParseFS(templateFS, templates...)
	if err != nil {
		return "", fmt.Errorf("parse email template %s: %w", name, err)
	}

	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "email", data); err != nil {
		return "", fmt.Errorf("execute email template %s: %w", name, err)
	}
	return buf.String(), nil
}

func renderRuleEmail(msg RuleEmail) (string, error) {
	subject := msg.Subject
	if subject == "" {
		subject = defaultSubject(msg)
	}
	return renderEmailTemplate("rule_email.html", ruleEmailData{
		baseEmailData: baseEmailData{
			Title:      subject,
			Heading:    subject,
			Subheading: msg.OpportunityName,
		},
		RuleEmail: msg,
	})
}

func defaultSubject(msg RuleEmail) string {
	if msg.StageName == "" {
		return fmt.Sprintf("Update on %s", msg.OpportunityName)
	}
	return fmt.Sprintf("%s is now in %s", msg.OpportunityName, msg.StageName)
}
