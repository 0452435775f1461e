package analytics

import "formpulse/pkg/model"

// GeoReport groups sessions by IP-derived location.
type GeoReport struct {
	Countries []Ranked `json:"countries"`
	Regions   []Ranked `json:"regions"`
	Cities    []Ranked `json:"cities"`
	ISPs      []Ranked `json:"isps"`
	Orgs      []Ranked `json:"orgs"`
	Timezones []Ranked `json:"timezones"`
	// SharedIPs lists addresses seen on more than one session.
	SharedIPs []Ranked `json:"sharedIps"`
}

func Geo(sessions []model.Session, topN int) GeoReport {
	countries, regions, cities := map[string]int{}, map[string]int{}, map[string]int{}
	isps, orgs, zones := map[string]int{}, map[string]int{}, map[string]int{}
	ips := map[string]int{}
	for _, s := range sessions {
		count(ips, s.Network.IP)
		g := s.Network.Geo
		if g == nil {
			continue
		}
		count(countries, g.Country)
		count(regions, g.Region)
		count(cities, g.City)
		count(isps, g.ISP)
		count(orgs, g.Org)
		count(zones, g.Timezone)
	}
	for ip, n := range ips {
		if n < 2 {
			delete(ips, ip)
		}
	}
	return GeoReport{
		Countries: rank(countries, topN),
		Regions:   rank(regions, topN),
		Cities:    rank(cities, topN),
		ISPs:      rank(isps, topN),
		Orgs:      rank(orgs, topN),
		Timezones: rank(zones, topN),
		SharedIPs: rank(ips, topN),
	}
}

// ReturningReport is the share of fingerprints seen on more than one session.
type ReturningReport struct {
	UniqueFingerprints int     `json:"uniqueFingerprints"`
	Returning          int     `json:"returning"`
	Rate               float64 `json:"rate"`
}

// Returning makes one pass over the corpus: a hash joins the returning set
// on its second sighting. Sessions without a hash are skipped.
func Returning(sessions []model.Session) ReturningReport {
	seen := map[string]struct{}{}
	returning := map[string]struct{}{}
	for _, s := range sessions {
		h := s.FingerprintHash
		if h == "" {
			continue
		}
		if _, ok := seen[h]; ok {
			returning[h] = struct{}{}
			continue
		}
		seen[h] = struct{}{}
	}
	r := ReturningReport{UniqueFingerprints: len(seen), Returning: len(returning)}
	if r.UniqueFingerprints > 0 {
		r.Rate = float64(r.Returning) / float64(r.UniqueFingerprints)
	}
	return r
}
