package caldav

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"mealsync/internal/models"

	"github.com/emersion/go-ical"
)

const (
	icalDateTime    = "20060102T150405"
	icalLineLimit   = 75
	icalProductName = "-//mealsync//meal plan//EN"

	propRecipe = "X-MEALSYNC-RECIPE"
)

// RenderEvent renders the item as a single-VEVENT calendar. Start and end are
// floating local times so the slot hour holds in the user's own time zone.
func RenderEvent(job models.SyncJob, stamp time.Time) (string, error) {
	day := job.Date
	start := time.Date(day.Year(), day.Month(), day.Day(), job.Slot.StartHour(), 0, 0, 0, time.UTC)
	end := start.Add(models.DefaultEventDuration)

	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, job.EventUID())
	event.Props.Set(rawProp(ical.PropDateTimeStamp, stamp.UTC().Format(icalDateTime)+"Z"))
	event.Props.Set(rawProp(ical.PropDateTimeStart, start.Format(icalDateTime)))
	event.Props.Set(rawProp(ical.PropDateTimeEnd, end.Format(icalDateTime)))
	event.Props.SetText(ical.PropSummary, plainText(summary(job)))
	if job.ItemType == models.ItemRecipe && job.RecipeID != "" {
		event.Props.SetText(propRecipe, plainText(job.RecipeID))
	}
	if job.Slot != "" {
		event.Props.SetText(ical.PropCategories, string(job.Slot))
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, icalProductName)
	cal.Props.SetText(ical.PropCalendarScale, "GREGORIAN")
	cal.Children = append(cal.Children, event.Component)

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return "", fmt.Errorf("encode event %s: %w", job.EventUID(), err)
	}
	return foldLines(buf.String()), nil
}

func rawProp(name, value string) *ical.Prop {
	p := ical.NewProp(name)
	p.Value = value
	return p
}

func summary(job models.SyncJob) string {
	if job.EventTitle != "" {
		return job.EventTitle
	}
	return fmt.Sprintf("Planned %s", job.ItemType)
}

// plainText turns every line break into LF, which the encoder escapes as \n.
// A bare CR is not allowed in a content line.
func plainText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// foldLines splits content lines longer than 75 octets. A continuation line
// starts with a space, so it carries at most 74 octets of content. Runes are
// never split.
func foldLines(s string) string {
	var b strings.Builder
	b.Grow(len(s) + len(s)/icalLineLimit*3)
	for _, line := range strings.SplitAfter(s, "\r\n") {
		if line == "" {
			continue
		}
		content := strings.TrimSuffix(line, "\r\n")
		limit := icalLineLimit
		for len(content) > limit {
			cut := limit
			for cut > 0 && !runeStart(content[cut]) {
				cut--
			}
			b.WriteString(content[:cut])
			b.WriteString("\r\n ")
			content = content[cut:]
			limit = icalLineLimit - 1
		}
		b.WriteString(content)
		b.WriteString("\r\n")
	}
	return b.String()
}

func runeStart(c byte) bool {
	return c&0xC0 != 0x80
}
