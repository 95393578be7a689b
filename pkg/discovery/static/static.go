// Package static resolves a fixed, operator-supplied endpoint list —
// bootstrap.Config's default DiscoveryKind. It exists mainly so
// bootstrap.Build has one discovery.Discovery implementation to fall back
// to when no DNS or file source is configured: the resolved endpoints are
// fed through server.Add once, before Start, exactly as if they'd been
// typed in by hand.
package static

import (
    "strings"

    "github.com/paxosrun/paxosd/pkg/discovery"
)

// fixedEndpoints is a Discovery whose Seeds() never changes after
// construction.
type fixedEndpoints struct {
    endpoints []string
}

func (s *fixedEndpoints) Seeds() []string { return append([]string(nil), s.endpoints...) }

// New returns a Discovery that always resolves to the given peer endpoints.
func New(endpoints ...string) discovery.Discovery {
    cleaned := make([]string, 0, len(endpoints))
    for _, v := range endpoints {
        v = strings.TrimSpace(v)
        if v != "" {
            cleaned = append(cleaned, v)
        }
    }
    return &fixedEndpoints{endpoints: cleaned}
}

// Parse splits bootstrap.Config.SeedsCSV ("host:port,host:port,...") into
// individual endpoints, trimming whitespace and dropping empty entries.
func Parse(csv string) []string {
    if csv == "" {
        return nil
    }
    parts := strings.Split(csv, ",")
    out := make([]string, 0, len(parts))
    for _, p := range parts {
        p = strings.TrimSpace(p)
        if p != "" {
            out = append(out, p)
        }
    }
    return out
}

