// Package geo resolves IP addresses to coarse locations. Lookups are best
// effort: callers treat every error as "no location".
package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"formpulse/pkg/model"
)

// ErrUnavailable wraps every upstream failure.
var ErrUnavailable = errors.New("geo: upstream unavailable")

// Locator looks up an IP. A nil result with a nil error means the address
// has no public location (private, loopback, unparsable).
type Locator interface {
	Lookup(ctx context.Context, ip string) (*model.GeoInfo, error)
}

// Public reports whether ip is a routable public address.
func Public(ip string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	return addr.IsGlobalUnicast() && !addr.IsPrivate() && !addr.IsLoopback() && !addr.IsLinkLocalUnicast()
}

// IPAPI queries an ip-api.com compatible JSON endpoint.
type IPAPI struct {
	// URL contains one %s for the address.
	URL     string
	Timeout time.Duration
}

func NewIPAPI(url string, timeout time.Duration) *IPAPI {
	return &IPAPI{URL: url, Timeout: timeout}
}

type ipapiResponse struct {
	Status     string   `json:"status"`
	Message    string   `json:"message"`
	Country    string   `json:"country"`
	RegionName string   `json:"regionName"`
	City       string   `json:"city"`
	ISP        string   `json:"isp"`
	Org        string   `json:"org"`
	Timezone   string   `json:"timezone"`
	Lat        *float64 `json:"lat"`
	Lon        *float64 `json:"lon"`
}

func (c *IPAPI) Lookup(ctx context.Context, ip string) (*model.GeoInfo, error) {
	if !Public(ip) {
		return nil, nil
	}
	timeout := c.Timeout
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < timeout || timeout <= 0 {
			timeout = left
		}
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, context.DeadlineExceeded)
	}

	a := fiber.AcquireAgent()
	req := a.Request()
	req.Header.SetMethod(fiber.MethodGet)
	req.SetRequestURI(fmt.Sprintf(c.URL, ip))
	a.Timeout(timeout)
	if err := a.Parse(); err != nil {
		fiber.ReleaseAgent(a)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	code, body, errs := a.Bytes()
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, errors.Join(errs...))
	}
	if code != fiber.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, code)
	}
	var r ipapiResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	if r.Status != "" && r.Status != "success" {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, r.Message)
	}
	return &model.GeoInfo{
		Country:   r.Country,
		Region:    r.RegionName,
		City:      r.City,
		ISP:       r.ISP,
		Org:       r.Org,
		Timezone:  r.Timezone,
		Latitude:  r.Lat,
		Longitude: r.Lon,
	}, nil
}

// Nop never resolves anything.
type Nop struct{}

func (Nop) Lookup(context.Context, string) (*model.GeoInfo, error) { return nil, nil }
