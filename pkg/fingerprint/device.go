package fingerprint

import (
	"fmt"
	"strings"

	"formpulse/pkg/model"
)

// DescribeDevice classifies a user agent coarsely. screen may be nil.
func DescribeDevice(userAgent string, screen *Screen) model.Device {
	ua := strings.ToLower(userAgent)
	d := model.Device{
		Type:    deviceType(ua),
		OS:      osName(ua),
		Browser: browserName(ua),
	}
	if screen != nil && screen.Width > 0 && screen.Height > 0 {
		d.Screen = fmt.Sprintf("%dx%d", screen.Width, screen.Height)
	}
	return d
}

func deviceType(ua string) string {
	switch {
	case ua == "":
		return ""
	case strings.Contains(ua, "ipad") || strings.Contains(ua, "tablet") ||
		(strings.Contains(ua, "android") && !strings.Contains(ua, "mobile")):
		return "tablet"
	case strings.Contains(ua, "mobi") || strings.Contains(ua, "iphone"):
		return "mobile"
	default:
		return "desktop"
	}
}

func osName(ua string) string {
	switch {
	case strings.Contains(ua, "windows"):
		return "Windows"
	case strings.Contains(ua, "iphone") || strings.Contains(ua, "ipad"):
		return "iOS"
	case strings.Contains(ua, "android"):
		return "Android"
	case strings.Contains(ua, "mac os") || strings.Contains(ua, "macintosh"):
		return "macOS"
	case strings.Contains(ua, "cros"):
		return "ChromeOS"
	case strings.Contains(ua, "linux"):
		return "Linux"
	default:
		return ""
	}
}

// order matters: Edge and Opera also advertise Chrome, Chrome advertises Safari
func browserName(ua string) string {
	switch {
	case strings.Contains(ua, "edg/"):
		return "Edge"
	case strings.Contains(ua, "opr/") || strings.Contains(ua, "opera"):
		return "Opera"
	case strings.Contains(ua, "firefox/") || strings.Contains(ua, "fxios"):
		return "Firefox"
	case strings.Contains(ua, "chrome/") || strings.Contains(ua, "crios"):
		return "Chrome"
	case strings.Contains(ua, "safari/"):
		return "Safari"
	default:
		return ""
	}
}
