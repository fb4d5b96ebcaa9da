package worker

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"github.com/lalithlochan/quiethours/internal/db"
)

const (
	fallbackTitle    = "block"
	reminderTimeFmt  = "Mon, 2 Jan 2006 15:04 MST"
	reminderSubject  = "Reminder: Silent-study starts in %d minutes"
	reminderTextBody = "Hi — your silent-study \"%s\" starts at %s."
)

var reminderHTML = template.Must(template.New("reminder").Parse(
	`<p>Hi — your silent-study "<strong>{{.Title}}</strong>" starts at <strong>{{.Start}}</strong>.</p>`,
))

// Composer renders reminder emails. Start times are shown in loc.
type Composer struct {
	lead time.Duration
	loc  *time.Location
}

func NewComposer(lead time.Duration, loc *time.Location) *Composer {
	if loc == nil {
		loc = time.UTC
	}
	return &Composer{lead: lead, loc: loc}
}

// Compose builds the message for block. The block must have a recipient.
func (c *Composer) Compose(block *db.Block) *EmailMessage {
	title := fallbackTitle
	if block.Title != nil && *block.Title != "" {
		title = *block.Title
	}
	start := block.StartTime.In(c.loc).Format(reminderTimeFmt)

	var html bytes.Buffer
	// Execution only fails on writer errors, which bytes.Buffer never returns.
	_ = reminderHTML.Execute(&html, struct{ Title, Start string }{title, start})

	return &EmailMessage{
		BlockID: block.ID,
		To:      block.Recipient(),
		Subject: fmt.Sprintf(reminderSubject, int(c.lead.Minutes())),
		Text:    fmt.Sprintf(reminderTextBody, title, start),
		HTML:    html.String(),
	}
}
