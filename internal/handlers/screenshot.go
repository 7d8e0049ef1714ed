package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"

	"url2img/internal/chrome"
	"url2img/internal/safeurl"
	u "url2img/internal/utils"
	"url2img/internal/viewport"
)

// ScreenshotService bundles configuration and dependencies for screenshot
// rendering.
type ScreenshotService struct {
	Config *u.Config

	// capture is swappable in tests so handlers can run without Chrome.
	capture func(chrome.Request, u.Config) (*chrome.Result, error)
}

// NewScreenshotService creates a new ScreenshotService instance.
func NewScreenshotService(cfg u.Config) *ScreenshotService {
	return &ScreenshotService{
		Config:  &cfg, // convert value to pointer
		capture: chrome.Capture,
	}
}

// HandleScreenshot validates the target URL, normalizes the viewport against
// the caller's subscription tier and renders the page to PNG.
func (svc *ScreenshotService) HandleScreenshot(c *fiber.Ctx) error {
	validated, verr := safeurl.Validate(c.Query("url"))
	if verr != nil {
		u.Warn("URL rejected", "code", verr.Code, "path", c.Path())
		return errorJSON(c, fiber.StatusBadRequest, string(verr.Code), verr.Message)
	}

	limits := svc.resolveTierLimits(c)
	vp := viewport.Normalize(c.Query("width"), c.Query("height"), viewport.Limits{
		MaxWidth:  limits.MaxViewportWidth,
		MaxHeight: limits.MaxViewportHeight,
	})
	fullPage := c.QueryBool("full_page", false)

	res, err := svc.capture(chrome.Request{
		URL:      validated.Href,
		Width:    vp.Width,
		Height:   vp.Height,
		FullPage: fullPage,
	}, *svc.Config)
	if err != nil {
		f := chrome.Classify(err)
		u.Error("Screenshot failed", "url", validated.Hostname, "code", f.Code, "error", err.Error())
		return errorJSON(c, f.Status, f.Code, f.Message)
	}

	if len(res.Image) > svc.Config.Screenshot.MaxImageBytes {
		return errorJSON(c, fiber.StatusRequestEntityTooLarge, "IMAGE_TOO_LARGE", "screenshot exceeds allowed size")
	}

	requestID := c.Get("X-Request-ID")
	if requestID == "" {
		requestID = c.GetRespHeader("X-Request-ID")
	}
	u.Info("Screenshot generated",
		"host", validated.Hostname,
		"width", vp.Width,
		"height", vp.Height,
		"full_page", fullPage,
		"duration_ms", res.Duration.Milliseconds(),
		"request_id", requestID,
	)

	c.Set("X-Screenshot-Width", strconv.Itoa(vp.Width))
	c.Set("X-Screenshot-Height", strconv.Itoa(vp.Height))
	c.Set("X-Screenshot-Full-Page", strconv.FormatBool(fullPage))
	c.Set("X-Processing-Time-Ms", strconv.FormatInt(res.Duration.Milliseconds(), 10))
	c.Set("X-RateLimit-Limit", strconv.Itoa(limits.MaxRequestsPerPeriod))
	c.Set("Content-Type", "image/png")
	return c.Send(res.Image)
}

// resolveTierLimits picks the caller's tier. A tier attached to a validated
// API key wins over the proxy-supplied subscription header.
func (svc *ScreenshotService) resolveTierLimits(c *fiber.Ctx) u.TierLimits {
	tier := c.Get("X-Subscription")
	if key, ok := c.Locals("api_key").(string); ok && key != "" {
		if t := u.TierForKey(key); t != "" {
			tier = t
		}
	}
	return u.LimitsForTier(tier)
}

// errorJSON writes the structured error envelope used across the service.
func errorJSON(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    code,
			"message": message,
		},
	})
}
