package model

// Fingerprint is the set of stable client signals used to derive a
// pseudo-identity. Missing signals are left at their zero value.
type Fingerprint struct {
	ScreenWidth         int             `json:"screenWidth,omitempty"`
	ScreenHeight        int             `json:"screenHeight,omitempty"`
	ColorDepth          int             `json:"colorDepth,omitempty"`
	PixelRatio          float64         `json:"pixelRatio,omitempty"`
	Language            string          `json:"language,omitempty"`
	Languages           []string        `json:"languages,omitempty"`
	Platform            string          `json:"platform,omitempty"`
	Timezone            string          `json:"timezone,omitempty"`
	TimezoneOffset      *int            `json:"timezoneOffset,omitempty"`
	HardwareConcurrency int             `json:"hardwareConcurrency,omitempty"`
	DeviceMemory        float64         `json:"deviceMemory,omitempty"`
	TouchPoints         *int            `json:"touchPoints,omitempty"`
	CookiesEnabled      *bool           `json:"cookiesEnabled,omitempty"`
	Capabilities        map[string]bool `json:"capabilities,omitempty"`
}
