package browser

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/go-rod/stealth"
)

// profileOverrides covers what stealth.JS leaves alone: leftover chromedriver
// markers on document and a consistent language list.
const profileOverrides = `(() => {
  try {
    Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
    Object.defineProperty(navigator, 'languages', { get: () => ['en-US', 'en'] });
    if (navigator.plugins.length === 0) {
      Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3, 4, 5] });
    }
    window.chrome = window.chrome || { runtime: {} };
    for (const key of Object.keys(document)) {
      if (key.startsWith('$cdc_') || key.startsWith('cdc_')) {
        delete document[key];
      }
    }
  } catch (e) {}
})();`

// prepareTab registers the anti-detection scripts so they run before any page
// script, then applies the user agent and enables network events.
func prepareTab(userAgent string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		for _, script := range []string{stealth.JS, profileOverrides} {
			if _, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx); err != nil {
				return fmt.Errorf("inject stealth script: %w", err)
			}
		}
		if userAgent != "" {
			override := emulation.SetUserAgentOverride(userAgent).
				WithAcceptLanguage("en-US,en;q=0.9")
			if err := override.Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		return nil
	})
}
