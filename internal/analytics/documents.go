package analytics

import (
	"sort"
	"strings"

	"formpulse/pkg/model"
)

// Unclassified is the industry of a document matching no keyword.
const Unclassified = "unclassified"

// Industry is one row of the keyword table.
type Industry struct {
	Name     string
	Keywords []string
}

// DefaultIndustries is matched in order; the first industry reaching the
// highest hit count wins.
var DefaultIndustries = []Industry{
	{"design", []string{"logo", "design", "branding", "illustration", "graphic", "ui/ux", "mockup"}},
	{"technology", []string{"software", "website", "development", "hosting", "api", "saas", "app", "server", "it support"}},
	{"marketing", []string{"marketing", "seo", "campaign", "advertising", "social media", "content", "newsletter"}},
	{"consulting", []string{"consulting", "consultation", "advisory", "strategy", "audit", "workshop"}},
	{"construction", []string{"construction", "renovation", "plumbing", "electrical", "roofing", "materials", "labor"}},
	{"legal", []string{"legal", "contract", "attorney", "litigation", "notary", "compliance"}},
	{"healthcare", []string{"medical", "therapy", "consultation fee", "dental", "clinic", "treatment"}},
	{"education", []string{"tutoring", "course", "training", "lesson", "curriculum"}},
	{"photography", []string{"photo", "photography", "shoot", "editing", "video", "videography"}},
	{"writing", []string{"copywriting", "writing", "translation", "proofreading", "article", "blog"}},
}

// ClassifyIndustry counts, per industry, how many of its keywords occur in
// the concatenated line-item descriptions.
func ClassifyIndustry(items []model.LineItem, table []Industry) string {
	parts := make([]string, 0, len(items))
	for _, it := range items {
		parts = append(parts, strings.ToLower(it.Description))
	}
	text := strings.Join(parts, " \n ")
	if strings.TrimSpace(text) == "" {
		return Unclassified
	}
	best, bestHits := Unclassified, 0
	for _, ind := range table {
		hits := 0
		for _, kw := range ind.Keywords {
			if strings.Contains(text, kw) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = ind.Name, hits
		}
	}
	return best
}

// Revenue buckets, half-open on the upper bound.
const (
	RevenueUnder1k   = "<1k"
	Revenue1kTo5k    = "1k-5k"
	Revenue5kTo25k   = "5k-25k"
	Revenue25kTo100k = "25k-100k"
	RevenueOver100k  = "100k+"
)

var revenueBuckets = []struct {
	label string
	upper float64
}{
	{RevenueUnder1k, 1_000},
	{Revenue1kTo5k, 5_000},
	{Revenue5kTo25k, 25_000},
	{Revenue25kTo100k, 100_000},
}

// RevenueBucket places a grand total into its range.
func RevenueBucket(total float64) string {
	for _, b := range revenueBuckets {
		if total < b.upper {
			return b.label
		}
	}
	return RevenueOver100k
}

// RevenueLabels lists the buckets in ascending order.
func RevenueLabels() []string {
	out := make([]string, 0, len(revenueBuckets)+1)
	for _, b := range revenueBuckets {
		out = append(out, b.label)
	}
	return append(out, RevenueOver100k)
}

// IndustryStat aggregates documents of one industry.
type IndustryStat struct {
	Industry  string  `json:"industry"`
	Documents int     `json:"documents"`
	Revenue   float64 `json:"revenue"`
}

// Industries prefers the stored classification and falls back to keyword
// matching.
func Industries(docs []model.Document, table []Industry) []IndustryStat {
	by := map[string]*IndustryStat{}
	for _, d := range docs {
		name := ""
		if d.Industry != nil {
			name = strings.ToLower(strings.TrimSpace(*d.Industry))
		}
		if name == "" {
			name = ClassifyIndustry(d.LineItems, table)
		}
		st := by[name]
		if st == nil {
			st = &IndustryStat{Industry: name}
			by[name] = st
		}
		st.Documents++
		st.Revenue += d.GrandTotal
	}
	out := make([]IndustryStat, 0, len(by))
	for _, st := range by {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Documents != out[j].Documents {
			return out[i].Documents > out[j].Documents
		}
		return out[i].Industry < out[j].Industry
	})
	return out
}

// RevenueStat is one bucket of the revenue histogram.
type RevenueStat struct {
	Range     string  `json:"range"`
	Documents int     `json:"documents"`
	Revenue   float64 `json:"revenue"`
}

// Revenue returns every bucket in ascending order, empty ones included.
func Revenue(docs []model.Document) []RevenueStat {
	labels := RevenueLabels()
	idx := make(map[string]int, len(labels))
	out := make([]RevenueStat, len(labels))
	for i, l := range labels {
		idx[l] = i
		out[i].Range = l
	}
	for _, d := range docs {
		i := idx[RevenueBucket(d.GrandTotal)]
		out[i].Documents++
		out[i].Revenue += d.GrandTotal
	}
	return out
}

// Pair is a sender/recipient relationship.
type Pair struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Count     int    `json:"count"`
}

// RepeatBusiness lists sender/recipient pairs occurring more than once.
// Documents missing either business name are skipped.
func RepeatBusiness(docs []model.Document) []Pair {
	type key struct{ s, r string }
	counts := map[key]int{}
	for _, d := range docs {
		s := strings.TrimSpace(d.Sender.BusinessName)
		r := strings.TrimSpace(d.Recipient.BusinessName)
		if s == "" || r == "" {
			continue
		}
		counts[key{s, r}]++
	}
	out := []Pair{}
	for k, n := range counts {
		if n > 1 {
			out = append(out, Pair{Sender: k.s, Recipient: k.r, Count: n})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		if out[i].Sender != out[j].Sender {
			return out[i].Sender < out[j].Sender
		}
		return out[i].Recipient < out[j].Recipient
	})
	return out
}

// CurrencyStat totals documents per currency.
type CurrencyStat struct {
	Currency  string  `json:"currency"`
	Documents int     `json:"documents"`
	Total     float64 `json:"total"`
}

func Currencies(docs []model.Document) []CurrencyStat {
	by := map[string]*CurrencyStat{}
	for _, d := range docs {
		c := strings.ToUpper(d.Currency)
		if c == "" {
			continue
		}
		st := by[c]
		if st == nil {
			st = &CurrencyStat{Currency: c}
			by[c] = st
		}
		st.Documents++
		st.Total += d.GrandTotal
	}
	out := make([]CurrencyStat, 0, len(by))
	for _, st := range by {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Documents != out[j].Documents {
			return out[i].Documents > out[j].Documents
		}
		return out[i].Currency < out[j].Currency
	})
	return out
}
