package address

import "strings"

const (
	CountryUS     = "US"
	CountryCanada = "CA"
)

// Address is a postal location used for shipping destinations, artwork
// locations and seller locations.
type Address struct {
	Line1      string `json:"address_line1,omitempty"`
	Line2      string `json:"address_line2,omitempty"`
	City       string `json:"city,omitempty"`
	Region     string `json:"region,omitempty"`
	Country    string `json:"country,omitempty" validate:"omitempty,len=2,alpha"`
	PostalCode string `json:"postal_code,omitempty"`
}

func (a Address) IsZero() bool {
	return a == Address{}
}

// IsCountryCode reports whether code is an ISO 3166-1 alpha-2 shaped code.
func IsCountryCode(code string) bool {
	if len(code) != 2 {
		return false
	}
	for _, r := range code {
		if (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') {
			return false
		}
	}
	return true
}

func (a Address) InCountry(country string) bool {
	return strings.EqualFold(strings.TrimSpace(a.Country), country)
}

// SameCountry compares country codes ignoring case.
func SameCountry(a, b Address) bool {
	return a.Country != "" && strings.EqualFold(strings.TrimSpace(a.Country), strings.TrimSpace(b.Country))
}
