// Package ics renders normalized calendar events as an iCalendar feed.
package ics

import (
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/emersion/go-ical"

	"gitea.jw6.us/james/outlookcal/internal/graph"
)

const productID = "-//outlookcal//Outlook calendar export//EN"

// Encode writes events to w as a VCALENDAR. Events without a parseable start
// are skipped since DTSTART is mandatory in a feed without METHOD.
func Encode(w io.Writer, events []graph.Event, now time.Time) error {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)
	cal.Props.SetText(ical.PropCalendarScale, "GREGORIAN")

	stamp := now.UTC().Truncate(time.Second)
	for _, evt := range events {
		vevent, ok := toVEvent(evt, stamp)
		if !ok {
			continue
		}
		cal.Children = append(cal.Children, vevent.Component)
	}

	if err := ical.NewEncoder(w).Encode(cal); err != nil {
		return fmt.Errorf("encode calendar: %w", err)
	}
	return nil
}

func toVEvent(evt graph.Event, stamp time.Time) (*ical.Event, bool) {
	start, err := parseInstant(evt.Start)
	if err != nil || evt.ID == "" {
		return nil, false
	}

	vevent := ical.NewEvent()
	vevent.Props.SetText(ical.PropUID, evt.ID)
	vevent.Props.SetDateTime(ical.PropDateTimeStamp, stamp)
	vevent.Props.SetDateTime(ical.PropDateTimeStart, start)
	if end, err := parseInstant(evt.End); err == nil && !end.Before(start) {
		vevent.Props.SetDateTime(ical.PropDateTimeEnd, end)
	}
	vevent.Props.SetText(ical.PropSummary, evt.Title)
	if evt.Location != "" {
		vevent.Props.SetText(ical.PropLocation, evt.Location)
	}
	if evt.Description != "" {
		vevent.Props.SetText(ical.PropDescription, evt.Description)
	}
	if evt.IsCancelled {
		vevent.Props.SetText(ical.PropStatus, "CANCELLED")
	} else {
		vevent.Props.SetText(ical.PropStatus, "CONFIRMED")
	}
	if evt.WebLink != "" {
		if u, err := url.Parse(evt.WebLink); err == nil {
			vevent.Props.SetURI(ical.PropURL, u)
		}
	}
	return vevent, true
}

// parseInstant reads the ISO-8601 strings produced by graph.ToIsoUtc.
func parseInstant(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC().Truncate(time.Second), nil
}
