// Package killswitch decides whether a tenant's events may flow, and to
// which destinations. The evaluation is a pure function over a configuration
// snapshot: four gates, checked in order, short-circuiting on the first that
// closes the pipe.
package killswitch

// Tenant is the snapshot of a tenant's routing-relevant state.
type Tenant struct {
	ID     string
	Code   string
	Name   string
	Active bool
}

// Primary is the snapshot of a tenant's primary (sGTM) destination config.
type Primary struct {
	ID                  string
	URL                 string
	ClientType          string // "ga4" or "custom"
	MeasurementID       string
	APISecretCiphertext string
	CustomEndpointPath  string
	CustomHeaders       map[string]string
	Active              bool
}

// Direct is the snapshot of one tenant credential for a direct platform.
type Direct struct {
	CredentialID     string
	PlatformCode     string
	PlatformActive   bool
	CredentialActive bool
	SecretCiphertext string
	PixelID          string
	AccountID        string
	BaseURL          string // platform base URL, or the credential's override
}

// Snapshot is everything the evaluator needs about one tenant.
type Snapshot struct {
	Tenant  Tenant
	Primary *Primary // nil when the tenant has no primary destination config
	Direct  []Direct
}

// Decision is the evaluator output: either the primary destination, an
// ordered set of eligible direct destinations, or nothing.
type Decision struct {
	TenantActive bool
	UsePrimary   bool
	Primary      *Primary
	Direct       []Direct
}

// Eligible reports whether at least one destination may be contacted.
func (d Decision) Eligible() bool {
	return d.TenantActive && (d.UsePrimary || len(d.Direct) > 0)
}

// Reason returns a short description of why nothing is eligible.
// Only meaningful when Eligible() is false.
func (d Decision) Reason() string {
	if !d.TenantActive {
		return "tenant is disabled"
	}
	return "no eligible destination configured"
}

// Evaluate runs the four gates:
//  1. tenant inactive: the whole tenant is rejected
//  2. primary config active: use primary, direct destinations are not consulted
//  3. platform globally inactive: that direct destination is excluded
//  4. tenant credential inactive: that direct destination is excluded
func Evaluate(snap Snapshot) Decision {
	if !snap.Tenant.Active {
		return Decision{}
	}

	if snap.Primary != nil && snap.Primary.Active {
		return Decision{
			TenantActive: true,
			UsePrimary:   true,
			Primary:      snap.Primary,
		}
	}

	var eligible []Direct
	for _, d := range snap.Direct {
		if !d.PlatformActive {
			continue
		}
		if !d.CredentialActive {
			continue
		}
		eligible = append(eligible, d)
	}

	return Decision{
		TenantActive: true,
		Direct:       eligible,
	}
}
