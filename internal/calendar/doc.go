// Package calendar writes events to Google Calendar on behalf of one linked
// account at a time.
//
// The client holds no credentials of its own: every call takes the bearer
// access credential to use, so one Client serves every account of every
// workspace. Remote "not found" responses are reported as ErrNotFound so
// callers can treat deletion as idempotent.
//
// Example usage:
//
//	client := calendar.NewClient(calendar.Config{}, metrics)
//	id, err := client.CreateEvent(ctx, accessToken, calendar.EventInput{
//	    Summary: "Standup",
//	    Start:   start,
//	    End:     start.Add(15 * time.Minute),
//	})
package calendar
