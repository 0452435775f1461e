package fingerprint

import (
	"encoding/json"
	"math"
	"strings"
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollect_ToleratesEmptyEnvironment(t *testing.T) {
	fp := Collect(Environment{})
	assert.Zero(t, fp.ScreenWidth)
	assert.Nil(t, fp.Languages)
	assert.Nil(t, fp.Capabilities)
	assert.True(t, strings.HasPrefix(Hash(fp), HashPrefix))
}

func TestHash_DeterministicAndSensitive(t *testing.T) {
	env := Environment{
		Language:     "en-US",
		Languages:    []string{"en-US", "", "de"},
		Platform:     "MacIntel",
		Timezone:     "Europe/Berlin",
		Screen:       &Screen{Width: 1440, Height: 900, ColorDepth: 30, PixelRatio: 2},
		Capabilities: map[string]bool{"webgl": true, "localStorage": true},
	}
	a := Collect(env)
	b := Collect(env)
	require.Equal(t, Hash(a), Hash(b))
	assert.Equal(t, []string{"en-US", "de"}, a.Languages)

	// map insertion order must not matter
	env.Capabilities = map[string]bool{"localStorage": true, "webgl": true}
	assert.Equal(t, Hash(a), Hash(Collect(env)))

	env.TimezoneOffset = lo.ToPtr(-60)
	assert.NotEqual(t, Hash(a), Hash(Collect(env)))
}

func TestCollect_NonFiniteFloatsAreZeroed(t *testing.T) {
	env := Environment{
		Platform:     "Linux x86_64",
		Screen:       &Screen{Width: 800, Height: 600, PixelRatio: math.NaN()},
		DeviceMemory: math.Inf(1),
	}
	fp := Collect(env)
	assert.Zero(t, fp.PixelRatio)
	assert.Zero(t, fp.DeviceMemory)
	_, err := json.Marshal(fp)
	require.NoError(t, err)

	// distinct clients with broken floats keep distinct hashes
	other := env
	other.Screen = &Screen{Width: 1024, Height: 768, PixelRatio: math.Inf(-1)}
	assert.NotEqual(t, Hash(fp), Hash(Collect(other)))
	assert.NotEqual(t, Hash(fp), Hash(Collect(Environment{})))
}

func TestHash_SanitizesUncollectedFingerprint(t *testing.T) {
	clean := Collect(Environment{Platform: "iPhone", Screen: &Screen{Width: 390, Height: 844}})
	dirty := clean
	dirty.PixelRatio = math.NaN()
	dirty.DeviceMemory = math.Inf(-1)
	assert.Equal(t, Hash(clean), Hash(dirty))
}

func TestCollectReferral(t *testing.T) {
	cases := []struct {
		name     string
		loc      Location
		source   string
		platform string
		query    string
	}{
		{name: "direct", loc: Location{URL: "https://app.example.com/new"}, source: SourceDirect},
		{name: "organic google", loc: Location{URL: "https://app.example.com/", Referrer: "https://www.google.co.uk/search?q=free+invoice"}, source: SourceOrganic, query: "free invoice"},
		{name: "yahoo p param", loc: Location{URL: "https://app.example.com/", Referrer: "https://search.yahoo.com/search?p=invoice+maker"}, source: SourceOrganic, query: "invoice maker"},
		{name: "social referrer", loc: Location{URL: "https://app.example.com/", Referrer: "https://t.co/abc"}, source: SourceSocial, platform: "twitter"},
		{name: "paid social utm", loc: Location{URL: "https://app.example.com/?utm_source=facebook&utm_medium=cpc&utm_campaign=q3"}, source: SourcePaid, platform: "facebook"},
		{name: "email", loc: Location{URL: "https://app.example.com/?utm_source=mailchimp&utm_medium=email"}, source: SourceEmail},
		{name: "internal", loc: Location{URL: "https://app.example.com/step2", Referrer: "https://app.example.com/step1"}, source: SourceInternal},
		{name: "referral", loc: Location{URL: "https://app.example.com/", Referrer: "https://blog.other.io/post"}, source: SourceReferral},
		{name: "garbage referrer", loc: Location{URL: "https://app.example.com/", Referrer: "::not a url"}, source: SourceDirect},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := CollectReferral(tc.loc)
			assert.Equal(t, tc.source, r.TrafficSource)
			assert.Equal(t, tc.platform, r.SocialPlatform)
			assert.Equal(t, tc.query, r.SearchQuery)
		})
	}
}

func TestCollectReferral_UTMAndLanding(t *testing.T) {
	r := CollectReferral(Location{URL: "https://app.example.com/invoice?utm_source=news&utm_medium=banner&utm_campaign=spring&utm_term=inv&utm_content=top"})
	assert.Equal(t, "/invoice", r.LandingPage)
	assert.Equal(t, "news", r.UTMSource)
	assert.Equal(t, "banner", r.UTMMedium)
	assert.Equal(t, "spring", r.UTMCampaign)
	assert.Equal(t, "inv", r.UTMTerm)
	assert.Equal(t, "top", r.UTMContent)
	assert.Equal(t, SourceReferral, r.TrafficSource)
}

func TestDescribeDevice(t *testing.T) {
	iphone := "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1"
	d := DescribeDevice(iphone, &Screen{Width: 390, Height: 844})
	assert.Equal(t, "mobile", d.Type)
	assert.Equal(t, "iOS", d.OS)
	assert.Equal(t, "Safari", d.Browser)
	assert.Equal(t, "390x844", d.Screen)

	edge := "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36 Edg/120.0"
	d = DescribeDevice(edge, nil)
	assert.Equal(t, "desktop", d.Type)
	assert.Equal(t, "Windows", d.OS)
	assert.Equal(t, "Edge", d.Browser)

	assert.Equal(t, "", DescribeDevice("", nil).Type)
}
