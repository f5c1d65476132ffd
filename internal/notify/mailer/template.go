package mailer

import (
	"fmt"
	"html"
	"strings"
)

// ReminderItem is one medication entry rendered into a reminder.
type ReminderItem struct {
	Name   string
	Dosage string
}

const reminderSubject = "Medication Reminder - Time to Take Your Medicine"

// ReminderMessage renders the fixed reminder layout: greeting, medication
// list and timing label, as plain text with an HTML alternative.
func ReminderMessage(to, patientName string, items []ReminderItem, slotLabel string) *Message {
	if patientName == "" {
		patientName = "Patient"
	}

	var list strings.Builder
	for _, it := range items {
		dosage := it.Dosage
		if dosage == "" {
			dosage = "N/A"
		}
		fmt.Fprintf(&list, "- %s (%s)\n", it.Name, dosage)
	}

	text := fmt.Sprintf(`Medication Reminder

Hello %s,

This is a friendly reminder that it's time to take your medication.

Your medications:
%s
Timing: %s

Please take your medications as prescribed by your doctor.

--
Digital Prescription Management System
`, patientName, list.String(), slotLabel)

	var htmlList strings.Builder
	for _, it := range items {
		dosage := it.Dosage
		if dosage == "" {
			dosage = "N/A"
		}
		fmt.Fprintf(&htmlList, "<li>%s (%s)</li>", html.EscapeString(it.Name), html.EscapeString(dosage))
	}

	htmlBody := fmt.Sprintf(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; color: #333;">
  <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
    <h1 style="background: #667eea; color: white; padding: 16px; border-radius: 8px 8px 0 0;">Medication Reminder</h1>
    <div style="background: #f9f9f9; padding: 24px; border-radius: 0 0 8px 8px;">
      <p>Hello <strong>%s</strong>,</p>
      <p>This is a friendly reminder that it's time to take your medication.</p>
      <div style="background: white; padding: 12px; border-left: 4px solid #667eea;">
        <h3 style="margin-top: 0;">Your medications</h3>
        <ul>%s</ul>
      </div>
      <p><strong>Timing:</strong> %s</p>
      <p style="background: #fff3cd; padding: 12px; border-left: 4px solid #ffc107;">
        Please take your medications as prescribed by your doctor. If you have
        questions, contact your healthcare provider.
      </p>
      <p style="color: #666; font-size: 12px;">Automated reminder from the Digital Prescription Management System. Please do not reply.</p>
    </div>
  </div>
</body>
</html>`, html.EscapeString(patientName), htmlList.String(), html.EscapeString(slotLabel))

	return &Message{
		To:      to,
		Subject: reminderSubject,
		Text:    text,
		HTML:    htmlBody,
	}
}
