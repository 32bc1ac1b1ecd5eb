package recurrence

import "fmt"

// humanUnits is ordered largest-first; IntervalToHuman picks the first
// unit that divides the total evenly.
var humanUnits = []struct {
	seconds int64
	name    string
}{
	{86400, "day"},
	{3600, "hour"},
	{60, "minute"},
	{1, "second"},
}

// IntervalToHuman renders an interval value for display, preferring the
// largest unit that divides it evenly: "60m" becomes "1 hour" while
// "90m" stays "90 minutes". Zero always renders "0 seconds". Malformed
// input is returned unchanged.
func IntervalToHuman(value string) string {
	d, ok := ParseInterval(value)
	if !ok {
		return value
	}

	total := int64(d.Seconds())
	if total == 0 {
		return "0 seconds"
	}

	for _, u := range humanUnits {
		if total%u.seconds == 0 {
			n := total / u.seconds
			if n == 1 {
				return fmt.Sprintf("1 %s", u.name)
			}
			return fmt.Sprintf("%d %ss", n, u.name)
		}
	}
	return value
}
