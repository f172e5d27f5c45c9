package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ikid/internal/apperr"
	"ikid/internal/model"
)

// CSVHeader is the fixed header of the ledger export.
const CSVHeader = "Dato,Tid,Barn,Handling,Notater"

const unknownChild = "Ukjent"

var norwegianMonths = [...]string{
	"januar", "februar", "mars", "april", "mai", "juni",
	"juli", "august", "september", "oktober", "november", "desember",
}

// ActionLabel is the Norwegian label of an action in the export.
func ActionLabel(a model.Action) string {
	if a == model.ActionCheckIn {
		return "Innkryssing"
	}
	return "Utkryssing"
}

// FormatDate renders t as a Norwegian long date, e.g. "16. oktober 2026".
func FormatDate(t time.Time) string {
	return fmt.Sprintf("%d. %s %d", t.Day(), norwegianMonths[t.Month()-1], t.Year())
}

// FormatTime renders t as "HH:MM".
func FormatTime(t time.Time) string {
	return t.Format("15:04")
}

// FormatCSV renders events as the export table. names maps child ids to full
// names; missing children are shown as "Ukjent". Timestamps are shown in loc.
// Fields are quoted verbatim, without escaping embedded quotes.
func FormatCSV(events []model.Event, names map[string]string, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	rows := make([]string, 0, len(events))
	for _, evt := range events {
		ts := evt.Timestamp.In(loc)
		name, ok := names[evt.ChildID]
		if !ok {
			name = unknownChild
		}
		rows = append(rows, fmt.Sprintf(`"%s","%s","%s","%s","%s"`,
			FormatDate(ts), FormatTime(ts), name, ActionLabel(evt.Action), evt.Notes))
	}
	return CSVHeader + "\n" + strings.Join(rows, "\n")
}

// ExportCSV resolves child names for events and renders the export.
func ExportCSV(ctx context.Context, children ChildLookup, events []model.Event, loc *time.Location) (string, error) {
	names := make(map[string]string)
	missing := make(map[string]bool)
	for _, evt := range events {
		if _, ok := names[evt.ChildID]; ok || missing[evt.ChildID] {
			continue
		}
		child, err := children.Get(ctx, evt.ChildID)
		if errors.Is(err, apperr.ErrNotFound) {
			missing[evt.ChildID] = true
			continue
		}
		if err != nil {
			return "", err
		}
		names[evt.ChildID] = child.FullName()
	}
	return FormatCSV(events, names, loc), nil
}
