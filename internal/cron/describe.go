package cron

import (
	"fmt"
	"strings"
)

var monthLabels = [13]string{"", "January", "February", "March", "April", "May", "June",
	"July", "August", "September", "October", "November", "December"}

var dayLabels = [7]string{"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday"}

// Describe renders the expression as a short human-readable sentence,
// e.g. "at 9:00 on weekdays" or "every 5 minutes".
func (e *Expression) Describe() string {
	var parts []string

	parts = append(parts, e.describeTime())

	if day := e.describeDay(); day != "" {
		parts = append(parts, day)
	}
	if month := e.describeMonth(); month != "" {
		parts = append(parts, month)
	}

	return strings.Join(parts, " ")
}

func (e *Expression) describeTime() string {
	minute := e.raw[FieldMinute]
	hour := e.raw[FieldHour]

	if step, ok := wildcardStep(minute); ok && hour == "*" {
		if step == 1 {
			return "every minute"
		}
		return fmt.Sprintf("every %d minutes", step)
	}
	if isSingleValue(minute) && hour == "*" {
		m := e.Expand(FieldMinute)[0]
		if m == 0 {
			return "every hour"
		}
		return fmt.Sprintf("at minute %d of every hour", m)
	}
	if step, ok := wildcardStep(hour); ok && step > 1 && isSingleValue(minute) {
		return fmt.Sprintf("every %d hours at minute %d", step, e.Expand(FieldMinute)[0])
	}
	if isSingleValue(minute) && isSingleValue(hour) {
		m := e.Expand(FieldMinute)[0]
		h := e.Expand(FieldHour)[0]
		return fmt.Sprintf("at %d:%02d", h, m)
	}
	return fmt.Sprintf("at minutes %s of hours %s", minute, hour)
}

func (e *Expression) describeDay() string {
	dom := e.raw[FieldDayOfMonth]
	dow := e.raw[FieldDayOfWeek]

	var parts []string
	if dom != "*" {
		if isSingleValue(dom) {
			parts = append(parts, fmt.Sprintf("on day %d", e.Expand(FieldDayOfMonth)[0]))
		} else {
			parts = append(parts, fmt.Sprintf("on days %s", dom))
		}
	}
	if dow != "*" {
		days := e.Expand(FieldDayOfWeek)
		switch {
		case len(days) == 5 && days[0] == 1 && days[4] == 5:
			parts = append(parts, "on weekdays")
		case len(days) == 1:
			parts = append(parts, "on "+dayLabels[days[0]])
		default:
			names := make([]string, len(days))
			for i, d := range days {
				names[i] = dayLabels[d]
			}
			parts = append(parts, "on "+strings.Join(names, ", "))
		}
	}
	return strings.Join(parts, " or ")
}

func (e *Expression) describeMonth() string {
	if e.raw[FieldMonth] == "*" {
		return ""
	}
	months := e.Expand(FieldMonth)
	if len(months) == 1 {
		return "in " + monthLabels[months[0]]
	}
	names := make([]string, len(months))
	for i, m := range months {
		names[i] = monthLabels[m]
	}
	return "in " + strings.Join(names, ", ")
}

// wildcardStep reports the step of a "*" or "*/n" field.
func wildcardStep(raw string) (int, bool) {
	if raw == "*" {
		return 1, true
	}
	if strings.HasPrefix(raw, "*/") {
		var n int
		if _, err := fmt.Sscanf(raw, "*/%d", &n); err == nil && n >= 1 {
			return n, true
		}
	}
	return 0, false
}

func isSingleValue(raw string) bool {
	return raw != "" && !strings.ContainsAny(raw, "*,-/")
}
