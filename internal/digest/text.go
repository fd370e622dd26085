package digest

import (
	"strings"
	"time"
)

func bullets(b *strings.Builder, titles []string) {
	for _, t := range titles {
		b.WriteString("\n- ")
		b.WriteString(t)
	}
}

// DailyText renders the group digest.
func DailyText(titles []string) string {
	var b strings.Builder
	b.WriteString("☀️ Daily Anime Summary ☀️\n\nBased on opted-in users, here are some anime episodes potentially available today:\n")
	bullets(&b, titles)
	b.WriteString("\n\nEnjoy your watch!")
	return b.String()
}

// PreviewText renders the answer to a weekday preview.
func PreviewText(day time.Time, titles []string) string {
	date := day.Format("Monday, January 2")
	if len(titles) == 0 {
		return "Looks like nothing is scheduled for opted-in users on " + date + "."
	}
	var b strings.Builder
	b.WriteString("🗓️ Anime Summary for " + date + " 🗓️\n\nBased on opted-in users, here's what might air:\n")
	bullets(&b, titles)
	return b.String()
}

// SampleText is the confirmation sent after someone joins a group.
func SampleText(titles []string) string {
	if len(titles) == 0 {
		return "(Based on your current reminders, it looks like nothing is scheduled for you today.)"
	}
	var b strings.Builder
	b.WriteString("👀 Here's a sample of what you might see today:\n")
	bullets(&b, titles)
	b.WriteString("\n\n(This is just a preview based on your current reminders. The full daily summary includes everyone who opted in.)")
	return b.String()
}
