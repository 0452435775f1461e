// Package fingerprint derives a stable pseudo-identity and the referral
// context of a visit from the client environment. Every function is pure.
package fingerprint

import (
	"encoding/hex"
	"encoding/json"
	"math"

	"github.com/samber/lo"
	"golang.org/x/crypto/blake2b"

	"formpulse/pkg/model"
)

// HashPrefix tags digests produced by Hash.
const HashPrefix = "b2:"

// Screen is the display geometry reported by the client.
type Screen struct {
	Width      int
	Height     int
	ColorDepth int
	PixelRatio float64
}

// Environment is what the host could observe about the client. Zero values
// and nil pointers mean "not available in this environment".
type Environment struct {
	UserAgent           string
	Language            string
	Languages           []string
	Platform            string
	Timezone            string
	TimezoneOffset      *int
	Screen              *Screen
	HardwareConcurrency int
	DeviceMemory        float64
	TouchPoints         *int
	CookiesEnabled      *bool
	// Capabilities holds feature probes such as "localStorage" or "webgl".
	Capabilities map[string]bool
}

// Collect builds the fingerprint from env.
func Collect(env Environment) model.Fingerprint {
	fp := model.Fingerprint{
		Language:            env.Language,
		Languages:           lo.Compact(env.Languages),
		Platform:            env.Platform,
		Timezone:            env.Timezone,
		TimezoneOffset:      env.TimezoneOffset,
		HardwareConcurrency: env.HardwareConcurrency,
		DeviceMemory:        finite(env.DeviceMemory),
		TouchPoints:         env.TouchPoints,
		CookiesEnabled:      env.CookiesEnabled,
	}
	if len(fp.Languages) == 0 {
		fp.Languages = nil
	}
	if env.Screen != nil {
		fp.ScreenWidth = env.Screen.Width
		fp.ScreenHeight = env.Screen.Height
		fp.ColorDepth = env.Screen.ColorDepth
		fp.PixelRatio = finite(env.Screen.PixelRatio)
	}
	if len(env.Capabilities) > 0 {
		fp.Capabilities = lo.Assign(env.Capabilities)
	}
	return fp
}

// Hash returns a deterministic BLAKE2b-256 digest of fp. encoding/json
// writes struct fields in declaration order and map keys sorted, so equal
// fingerprints always serialize identically. Non-finite floats hash as zero.
func Hash(fp model.Fingerprint) string {
	fp.PixelRatio = finite(fp.PixelRatio)
	fp.DeviceMemory = finite(fp.DeviceMemory)
	// cannot fail once the floats are finite
	b, _ := json.Marshal(fp)
	sum := blake2b.Sum256(b)
	return HashPrefix + hex.EncodeToString(sum[:])
}

// finite maps NaN and ±Inf to zero; JSON has no encoding for them.
func finite(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}
