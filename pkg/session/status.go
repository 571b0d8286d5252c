package session

import (
	"fmt"

	"github.com/entrhq/ehragent/pkg/automation"
)

// EntryMarkers are texts only shown in the portal's post-login landing area.
var EntryMarkers = []string{"OA", "EHR"}

// qrPresenceSelector matches any element that presents a login QR code.
const qrPresenceSelector = "canvas, img[src*='qr'], .qrcode"

// Status is the login state of a session's page.
type Status struct {
	SessionID  string `json:"sessionId"`
	LoggedIn   bool   `json:"loggedIn"`
	CurrentURL string `json:"currentUrl"`
	Error      string `json:"error,omitempty"`
}

// ClassifyLogin reports whether page shows at least one entry marker and no
// QR code.
func ClassifyLogin(page automation.Page) (bool, error) {
	hasEntry := false
	for _, marker := range EntryMarkers {
		n, err := page.GetByText(marker).Count()
		if err != nil {
			return false, fmt.Errorf("probe entry marker %q: %w", marker, err)
		}
		if n > 0 {
			hasEntry = true
			break
		}
	}
	if !hasEntry {
		return false, nil
	}

	n, err := page.Locator(qrPresenceSelector).Count()
	if err != nil {
		return false, fmt.Errorf("probe qr marker: %w", err)
	}
	return n == 0, nil
}

// inspect classifies the leased page. Probe failures are recorded on the
// session and reported as not logged in.
func inspect(l *Lease) Status {
	page := l.Page()
	status := Status{
		SessionID:  l.session.id,
		CurrentURL: page.URL(),
	}

	loggedIn, err := ClassifyLogin(page)
	if err != nil {
		l.RecordError(err)
	}
	status.LoggedIn = loggedIn && err == nil
	status.Error = l.session.LastError()
	return status
}
