package collector

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/chromedp/chromedp"

	"siteaudit/internal/domain"
)

const (
	desktopWidth  = 1366
	desktopHeight = 768
	mobileWidth   = 390
	mobileHeight  = 844
	jpegQuality   = 70
)

// BrowserScreenshotter captures desktop and mobile screenshots with headless
// Chrome. Each capture gets its own browser.
type BrowserScreenshotter struct {
	userAgent string
}

func NewBrowserScreenshotter(userAgent string) *BrowserScreenshotter {
	return &BrowserScreenshotter{userAgent: userAgent}
}

// Capture returns base64-encoded JPEG screenshots of pageURL.
func (b *BrowserScreenshotter) Capture(ctx context.Context, pageURL string) (*domain.Screenshots, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.UserAgent(b.userAgent),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	browserCtx, cancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(string, ...interface{}) {}))
	defer cancel()

	var desktop, mobile []byte
	err := chromedp.Run(browserCtx,
		chromedp.EmulateViewport(desktopWidth, desktopHeight),
		chromedp.Navigate(pageURL),
		chromedp.FullScreenshot(&desktop, jpegQuality),
		chromedp.EmulateViewport(mobileWidth, mobileHeight, chromedp.EmulateScale(2), chromedp.EmulateMobile),
		chromedp.Reload(),
		chromedp.FullScreenshot(&mobile, jpegQuality),
	)
	if err != nil {
		return nil, fmt.Errorf("capture screenshots: %w", err)
	}
	return &domain.Screenshots{
		Desktop: base64.StdEncoding.EncodeToString(desktop),
		Mobile:  base64.StdEncoding.EncodeToString(mobile),
	}, nil
}
