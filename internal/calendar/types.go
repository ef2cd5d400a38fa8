package calendar

import (
	"errors"
	"fmt"
	"time"
	_ "time/tzdata" // zone names must resolve in minimal images

	calendar "google.golang.org/api/calendar/v3"
)

const dateLayout = "2006-01-02"

// EventInput is the account-independent description of an event.
// On update, zero-valued fields leave the remote value untouched. A
// TimeZone or AllDay without Start and End is applied to the event's
// current start and end; an update cannot turn an all-day event back into
// a timed one without new times.
type EventInput struct {
	Summary     string    `json:"summary,omitempty"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Start       time.Time `json:"start,omitzero"`
	End         time.Time `json:"end,omitzero"`
	TimeZone    string    `json:"time_zone,omitempty"`
	AllDay      bool      `json:"all_day,omitempty"`
	Attendees   []string  `json:"attendees,omitempty"`
	Recurrence  []string  `json:"recurrence,omitempty"` // RRULE, EXRULE, RDATE, EXDATE
}

// ValidateForCreate checks the fields a new event needs.
func (in EventInput) ValidateForCreate() error {
	if in.Summary == "" {
		return errors.New("summary is required")
	}
	if in.Start.IsZero() || in.End.IsZero() {
		return errors.New("start and end are required")
	}
	return in.validateRange()
}

// ValidateForUpdate checks that an update changes something coherent.
func (in EventInput) ValidateForUpdate() error {
	if in.IsEmpty() {
		return errors.New("update changes nothing")
	}
	return in.validateRange()
}

// IsEmpty reports whether no field is set.
func (in EventInput) IsEmpty() bool {
	return in.Summary == "" && in.Description == "" && in.Location == "" &&
		in.Start.IsZero() && in.End.IsZero() &&
		in.TimeZone == "" && !in.AllDay &&
		len(in.Attendees) == 0 && len(in.Recurrence) == 0
}

func (in EventInput) validateRange() error {
	if !in.Start.IsZero() && !in.End.IsZero() && in.End.Before(in.Start) {
		return fmt.Errorf("end %s is before start %s", in.End.Format(time.RFC3339), in.Start.Format(time.RFC3339))
	}
	if in.TimeZone != "" {
		if _, err := time.LoadLocation(in.TimeZone); err != nil {
			return fmt.Errorf("unknown time zone %q", in.TimeZone)
		}
	}
	return nil
}

func (in EventInput) dateTime(t time.Time) *calendar.EventDateTime {
	if in.AllDay {
		return &calendar.EventDateTime{Date: t.Format(dateLayout)}
	}
	tz := in.TimeZone
	if tz == "" {
		tz = "UTC"
	}
	return &calendar.EventDateTime{
		DateTime: t.Format(time.RFC3339),
		TimeZone: tz,
	}
}

func attendees(emails []string) []*calendar.EventAttendee {
	out := make([]*calendar.EventAttendee, 0, len(emails))
	for _, email := range emails {
		out = append(out, &calendar.EventAttendee{Email: email})
	}
	return out
}

// toEvent builds a new remote event from in.
func toEvent(in EventInput) *calendar.Event {
	event := &calendar.Event{
		Summary:     in.Summary,
		Description: in.Description,
		Location:    in.Location,
		Start:       in.dateTime(in.Start),
		End:         in.dateTime(in.End),
		Recurrence:  in.Recurrence,
	}
	if len(in.Attendees) > 0 {
		event.Attendees = attendees(in.Attendees)
	}
	return event
}

// applyTo overlays the set fields of in onto an existing remote event.
func applyTo(event *calendar.Event, in EventInput) {
	if in.Summary != "" {
		event.Summary = in.Summary
	}
	if in.Description != "" {
		event.Description = in.Description
	}
	if in.Location != "" {
		event.Location = in.Location
	}
	if !in.Start.IsZero() {
		event.Start = in.dateTime(in.Start)
	} else if in.AllDay || in.TimeZone != "" {
		event.Start = in.reapply(event.Start)
	}
	if !in.End.IsZero() {
		event.End = in.dateTime(in.End)
	} else if in.AllDay || in.TimeZone != "" {
		event.End = in.reapply(event.End)
	}
	if in.AllDay && event.Start != nil && event.End != nil && event.End.Date <= event.Start.Date {
		// All-day end dates are exclusive.
		if start, err := time.Parse(dateLayout, event.Start.Date); err == nil {
			event.End = &calendar.EventDateTime{Date: start.AddDate(0, 0, 1).Format(dateLayout)}
		}
	}
	if len(in.Attendees) > 0 {
		event.Attendees = attendees(in.Attendees)
	}
	if len(in.Recurrence) > 0 {
		event.Recurrence = in.Recurrence
	}
}

// reapply converts an existing start or end to in's all-day flag or time
// zone, keeping the instant it denotes.
func (in EventInput) reapply(dt *calendar.EventDateTime) *calendar.EventDateTime {
	if dt == nil {
		return nil
	}
	if dt.DateTime == "" {
		// Already all-day; a zone alone does not apply to dates.
		return dt
	}
	t, err := time.Parse(time.RFC3339, dt.DateTime)
	if err != nil {
		return dt
	}
	if in.AllDay {
		return &calendar.EventDateTime{Date: t.Format(dateLayout)}
	}
	loc, err := time.LoadLocation(in.TimeZone)
	if err != nil {
		return dt
	}
	return &calendar.EventDateTime{
		DateTime: t.In(loc).Format(time.RFC3339),
		TimeZone: in.TimeZone,
	}
}
