package google

// CalendarEventsScope grants read/write access to events only.
const CalendarEventsScope = "https://www.googleapis.com/auth/calendar.events"

// DefaultOAuthScopes are requested when an account is linked.
//
// The OpenID scopes are needed for the userinfo lookup that identifies the
// account; calendar.events is enough to create, update and delete events.
var DefaultOAuthScopes = []string{
	"openid",
	"https://www.googleapis.com/auth/userinfo.email",
	CalendarEventsScope,
}
