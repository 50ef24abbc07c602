package turn

import (
	"regexp"
	"strconv"
	"strings"
)

var clockPattern = regexp.MustCompile(`(?i)\b([01]?\d|2[0-3]):([0-5]\d)(?:\s*([ap])(?:\.m\.|\.m\b|m\b))?`)

var numberWords = []string{
	"zero", "one", "two", "three", "four", "five", "six", "seven", "eight", "nine",
	"ten", "eleven", "twelve", "thirteen", "fourteen", "fifteen", "sixteen",
	"seventeen", "eighteen", "nineteen",
}

var tensWords = []string{"", "", "twenty", "thirty", "forty", "fifty"}

// SpeakTimes rewrites digital clock times such as "3:30 PM" or "15:05" into
// words, since synthesis engines read them inconsistently.
func SpeakTimes(text string) string {
	return clockPattern.ReplaceAllStringFunc(text, func(m string) string {
		parts := clockPattern.FindStringSubmatch(m)
		h, _ := strconv.Atoi(parts[1])
		mins, _ := strconv.Atoi(parts[2])
		suffix := strings.ToLower(parts[3])
		switch {
		case suffix == "a" && h == 12:
			h = 0
		case suffix == "p" && h < 12:
			h += 12
		}
		switch {
		case h == 0 && mins == 0:
			return "midnight"
		case h == 12 && mins == 0:
			return "noon"
		}

		var period string
		switch {
		case h == 0:
			period = " at night"
		case h < 12:
			period = " in the morning"
		case h < 18:
			period = " in the afternoon"
		default:
			period = " in the evening"
		}
		if h > 12 {
			h -= 12
		}
		if h == 0 {
			h = 12
		}

		spoken := numberWords[h]
		switch {
		case mins == 0:
			spoken += " o'clock"
		case mins < 10:
			spoken += " oh " + numberWords[mins]
		default:
			spoken += " " + twoDigits(mins)
		}
		return spoken + period
	})
}

func twoDigits(n int) string {
	if n < 20 {
		return numberWords[n]
	}
	w := tensWords[n/10]
	if n%10 != 0 {
		w += "-" + numberWords[n%10]
	}
	return w
}
