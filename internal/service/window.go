package service

import (
	"time"

	"github.com/OmarBoshnak/wellfitgo-doctor-sub001/internal"
)

var weekdayTags = map[string]time.Weekday{
	"sun": time.Sunday,
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
}

// ValidSendDay reports whether tag is "any" or a recognized weekday tag.
func ValidSendDay(tag string) bool {
	if tag == internal.SendDayAny {
		return true
	}
	_, ok := weekdayTags[tag]
	return ok
}

// NextDispatchTime computes the earliest legal dispatch instant for a message
// step. The delay-day baseline is stepEnteredAt (when the pointer landed on
// this step), not the original enrollment time. The result equals now when
// the step is dispatchable immediately. An inverted or unparseable window
// yields a SchedulingConfigError; the caller must not dispatch.
func NextDispatchTime(step internal.Step, stepEnteredAt, now time.Time) (time.Time, error) {
	start, err := parseClock(step.SendWindowStart)
	if err != nil {
		return time.Time{}, &internal.SchedulingConfigError{StepOrder: step.StepOrder, Reason: err.Error()}
	}
	end, err := parseClock(step.SendWindowEnd)
	if err != nil {
		return time.Time{}, &internal.SchedulingConfigError{StepOrder: step.StepOrder, Reason: err.Error()}
	}
	if end <= start {
		return time.Time{}, &internal.SchedulingConfigError{
			StepOrder: step.StepOrder,
			Reason:    "window end must be after window start",
		}
	}

	loc := now.Location()
	day := stepEnteredAt.In(loc).AddDate(0, 0, step.DelayDays)
	day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	if day.Before(today) {
		day = today
	}

	// 8 iterations always reach a qualifying weekday when one exists.
	for i := 0; i < 8; i++ {
		if dayAllowed(step.SendDays, day.Weekday()) {
			windowStart := day.Add(time.Duration(start) * time.Minute)
			windowEnd := day.Add(time.Duration(end) * time.Minute)
			if now.Before(windowStart) {
				return windowStart, nil
			}
			if now.Before(windowEnd) {
				return now, nil
			}
			// Window already closed today; roll to the next qualifying day.
		}
		day = day.AddDate(0, 0, 1)
	}
	return time.Time{}, &internal.SchedulingConfigError{
		StepOrder: step.StepOrder,
		Reason:    "no permitted send day",
	}
}

func dayAllowed(sendDays []string, wd time.Weekday) bool {
	if len(sendDays) == 0 {
		return true
	}
	for _, tag := range sendDays {
		if tag == internal.SendDayAny {
			return true
		}
		if d, ok := weekdayTags[tag]; ok && d == wd {
			return true
		}
	}
	return false
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
