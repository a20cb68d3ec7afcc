package graph

import "strings"

// Event is a calendar event normalized for the browser calendar.
type Event struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Start       string `json:"start,omitempty"`
	End         string `json:"end,omitempty"`
	Location    string `json:"location"`
	Organizer   string `json:"organizer,omitempty"`
	IsCancelled bool   `json:"isCancelled"`
	WebLink     string `json:"webLink,omitempty"`
	Description string `json:"description"`
}

type dateTimeTimeZone struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type emailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

type location struct {
	DisplayName string `json:"displayName"`
}

type recipient struct {
	EmailAddress *emailAddress `json:"emailAddress"`
}

// rawEvent mirrors the selected fields of a Graph event resource.
type rawEvent struct {
	ID          string            `json:"id"`
	Subject     string            `json:"subject"`
	Start       *dateTimeTimeZone `json:"start"`
	End         *dateTimeTimeZone `json:"end"`
	Location    *location         `json:"location"`
	Organizer   *recipient        `json:"organizer"`
	IsCancelled *bool             `json:"isCancelled"`
	WebLink     string            `json:"webLink"`
	BodyPreview string            `json:"bodyPreview"`
}

type eventList struct {
	Value []rawEvent `json:"value"`
}

// Normalize maps a Graph event onto Event. It never fails on missing fields.
func (r rawEvent) Normalize() Event {
	evt := Event{
		ID:          r.ID,
		Title:       r.Subject,
		WebLink:     r.WebLink,
		Description: r.BodyPreview,
	}
	if evt.Title == "" {
		evt.Title = "Untitled"
	}
	if r.Start != nil {
		evt.Start = ToIsoUtc(r.Start.DateTime)
	}
	if r.End != nil {
		evt.End = ToIsoUtc(r.End.DateTime)
	}
	if r.Location != nil {
		evt.Location = r.Location.DisplayName
	}
	if r.Organizer != nil && r.Organizer.EmailAddress != nil {
		evt.Organizer = r.Organizer.EmailAddress.Name
	}
	if r.IsCancelled != nil {
		evt.IsCancelled = *r.IsCancelled
	}
	return evt
}

// ToIsoUtc marks a Graph dateTime as UTC by appending "Z" when it carries no
// zone designator. Values already ending in Z or carrying a numeric offset are
// returned unchanged, so the function is idempotent. It does not convert
// between zones: events are requested with Prefer: outlook.timezone="UTC".
func ToIsoUtc(value string) string {
	if value == "" {
		return ""
	}
	if hasZoneDesignator(value) {
		return value
	}
	return value + "Z"
}

func hasZoneDesignator(value string) bool {
	if strings.HasSuffix(value, "Z") || strings.HasSuffix(value, "z") {
		return true
	}
	t := strings.IndexAny(value, "Tt ")
	if t < 0 {
		return false
	}
	return strings.ContainsAny(value[t+1:], "+-")
}
