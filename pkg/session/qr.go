package session

import (
	"fmt"

	"github.com/entrhq/ehragent/pkg/automation"
)

// QRSelectors are tried in order, most specific first.
var QRSelectors = []string{
	"canvas",
	"img[src*='qr']",
	".qr-code img",
	".qrcode img",
}

// CaptureQR screenshots the first visible element matching QRSelectors.
// Failures on individual elements go to record and the search moves on. When
// nothing usable is found it falls back to a viewport screenshot; only a
// failure of that fallback is returned.
func CaptureQR(page automation.Page, record func(error)) ([]byte, error) {
	for _, selector := range QRSelectors {
		if image, ok := captureFirstVisible(page, selector, record); ok {
			return image, nil
		}
	}

	image, err := page.Screenshot(false)
	if err != nil {
		return nil, fmt.Errorf("viewport screenshot: %w", err)
	}
	return image, nil
}

func captureFirstVisible(page automation.Page, selector string, record func(error)) ([]byte, bool) {
	candidates := page.Locator(selector)
	n, err := candidates.Count()
	if err != nil {
		record(fmt.Errorf("count %q: %w", selector, err))
		return nil, false
	}

	for i := 0; i < n; i++ {
		element := candidates.Nth(i)

		visible, err := element.IsVisible()
		if err != nil {
			record(fmt.Errorf("visibility of %q #%d: %w", selector, i, err))
			continue
		}
		if !visible {
			continue
		}

		image, err := element.Screenshot()
		if err != nil {
			record(fmt.Errorf("screenshot of %q #%d: %w", selector, i, err))
			continue
		}
		return image, true
	}
	return nil, false
}
