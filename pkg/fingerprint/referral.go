package fingerprint

import (
	"net/url"
	"strings"

	"github.com/samber/lo"

	"formpulse/pkg/model"
)

// Traffic source classes.
const (
	SourceDirect   = "direct"
	SourceOrganic  = "organic"
	SourceSocial   = "social"
	SourcePaid     = "paid"
	SourceEmail    = "email"
	SourceReferral = "referral"
	SourceInternal = "internal"
)

// Location is the document context of the landing page.
type Location struct {
	// URL is the full landing URL including the query string.
	URL string
	// Referrer is document.referrer, possibly empty.
	Referrer string
}

type searchEngine struct {
	host   string
	params []string
}

var searchEngines = []searchEngine{
	{host: "google.", params: []string{"q"}},
	{host: "bing.com", params: []string{"q"}},
	{host: "yahoo.", params: []string{"p", "q"}},
	{host: "duckduckgo.com", params: []string{"q"}},
	{host: "baidu.com", params: []string{"wd", "word"}},
	{host: "yandex.", params: []string{"text"}},
	{host: "ecosia.org", params: []string{"q"}},
	{host: "search.brave.com", params: []string{"q"}},
}

type socialSite struct {
	host     string
	platform string
}

var socialPlatforms = []socialSite{
	{"facebook.com", "facebook"},
	{"fb.me", "facebook"},
	{"instagram.com", "instagram"},
	{"twitter.com", "twitter"},
	{"t.co", "twitter"},
	{"x.com", "twitter"},
	{"linkedin.com", "linkedin"},
	{"lnkd.in", "linkedin"},
	{"reddit.com", "reddit"},
	{"youtube.com", "youtube"},
	{"youtu.be", "youtube"},
	{"tiktok.com", "tiktok"},
	{"pinterest.", "pinterest"},
	{"threads.net", "threads"},
}

var paidMediums = []string{"cpc", "ppc", "paid", "paidsocial", "paid_social", "display", "cpm", "ads"}

// CollectReferral extracts UTM parameters and classifies where the visit
// came from. Unparseable URLs leave the corresponding fields empty.
func CollectReferral(loc Location) model.ReferralData {
	var out model.ReferralData

	if u, err := url.Parse(loc.URL); err == nil && loc.URL != "" {
		out.LandingPage = u.Path
		if out.LandingPage == "" {
			out.LandingPage = "/"
		}
		q := u.Query()
		out.UTMSource = q.Get("utm_source")
		out.UTMMedium = q.Get("utm_medium")
		out.UTMCampaign = q.Get("utm_campaign")
		out.UTMTerm = q.Get("utm_term")
		out.UTMContent = q.Get("utm_content")
	}

	var refHost string
	var ref *url.URL
	if loc.Referrer != "" {
		if u, err := url.Parse(loc.Referrer); err == nil && u.Host != "" {
			ref = u
			refHost = strings.ToLower(strings.TrimPrefix(u.Hostname(), "www."))
			out.Referrer = refHost
			out.FullReferrer = loc.Referrer
		}
	}

	if ref != nil {
		if se, ok := matchSearchEngine(refHost); ok {
			q := ref.Query()
			out.SearchQuery, _ = lo.Find(lo.Map(se.params, func(p string, _ int) string { return q.Get(p) }),
				func(v string) bool { return v != "" })
		}
		if p, ok := matchSocial(refHost); ok {
			out.SocialPlatform = p
		}
	}
	if out.SocialPlatform == "" && out.UTMSource != "" {
		src := strings.ToLower(out.UTMSource)
		if p, ok := matchSocial(src); ok {
			out.SocialPlatform = p
		} else if lo.ContainsBy(socialPlatforms, func(s socialSite) bool { return s.platform == src }) {
			out.SocialPlatform = src
		}
	}

	out.TrafficSource = classify(out, refHost, landingHost(loc.URL))
	return out
}

func classify(r model.ReferralData, refHost, ownHost string) string {
	medium := strings.ToLower(r.UTMMedium)
	switch {
	case lo.Contains(paidMediums, medium):
		return SourcePaid
	case medium == "email" || medium == "newsletter":
		return SourceEmail
	case medium == "social" || r.SocialPlatform != "":
		return SourceSocial
	case medium == "organic":
		return SourceOrganic
	}
	if refHost == "" {
		if r.UTMSource != "" {
			return SourceReferral
		}
		return SourceDirect
	}
	if ownHost != "" && refHost == ownHost {
		return SourceInternal
	}
	if _, ok := matchSearchEngine(refHost); ok {
		return SourceOrganic
	}
	return SourceReferral
}

func landingHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(strings.TrimPrefix(u.Hostname(), "www."))
}

func matchSearchEngine(host string) (searchEngine, bool) {
	return lo.Find(searchEngines, func(se searchEngine) bool {
		return hostMatches(host, se.host)
	})
}

func matchSocial(host string) (string, bool) {
	for _, s := range socialPlatforms {
		if hostMatches(host, s.host) {
			return s.platform, true
		}
	}
	return "", false
}

// hostMatches treats patterns ending in "." as a brand prefix (google.de,
// google.co.uk) and everything else as a domain suffix.
func hostMatches(host, pattern string) bool {
	if host == "" {
		return false
	}
	if strings.HasSuffix(pattern, ".") {
		return strings.HasPrefix(host, pattern) || strings.Contains(host, "."+pattern)
	}
	return host == pattern || strings.HasSuffix(host, "."+pattern)
}
