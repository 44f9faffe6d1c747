package fleet

import "fmt"

// Domain places a node or coordinator in a fault domain. Region is the
// admission boundary: a node is admitted only when its region matches the
// coordinator's (or when neither side declares a domain). Zones are
// informational and may differ freely.
type Domain struct {
	Region string `json:"region"`
	Zone   string `json:"zone,omitempty"`
}

// String renders the domain as "region/zone" (or just the region).
func (d Domain) String() string {
	if d.Zone == "" {
		return d.Region
	}
	return fmt.Sprintf("%s/%s", d.Region, d.Zone)
}

// CompatibleDomains reports whether a node declaring nodeDomain may be
// admitted by a coordinator configured with coordDomain. Both unset is
// compatible; one-sided declarations and region mismatches are not.
func CompatibleDomains(coordDomain, nodeDomain *Domain) bool {
	if coordDomain == nil && nodeDomain == nil {
		return true
	}
	if coordDomain == nil || nodeDomain == nil {
		return false
	}
	return coordDomain.Region == nodeDomain.Region
}
