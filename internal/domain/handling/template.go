package handling

import (
	"sort"
	"strings"
	"text/template"
)

// Answer is one committed questionnaire value, flattened for the draft
// templates.
type Answer struct {
	Step  string
	Field string
	Value interface{}
}

var reportTemplate = template.Must(template.New("report").Parse(
	`Control review

Answers:
{{range .Answers}}- {{.Step}} / {{.Field}}: {{.Value}}
{{end}}
Assessment:
`))

var messageTemplate = template.Must(template.New("message").Parse(
	`Dear patient,

Thank you for completing your control. Your care team has reviewed your
answers{{if .Urgent}} with priority{{end}} and will contact you if a follow-up
is needed.

Kind regards,
your treatment team
`))

type draftData struct {
	Answers []Answer
	Urgent  bool
}

// renderDrafts produces the initial report and message texts from the
// decrypted answers. Answers are ordered by step then field so drafts are
// stable.
func renderDrafts(answers []Answer, urgent bool) (report string, message string, err error) {
	sort.Slice(answers, func(i, j int) bool {
		if answers[i].Step != answers[j].Step {
			return answers[i].Step < answers[j].Step
		}
		return answers[i].Field < answers[j].Field
	})
	data := draftData{Answers: answers, Urgent: urgent}

	var rb strings.Builder
	if err := reportTemplate.Execute(&rb, data); err != nil {
		return "", "", err
	}
	var mb strings.Builder
	if err := messageTemplate.Execute(&mb, data); err != nil {
		return "", "", err
	}
	return rb.String(), mb.String(), nil
}
