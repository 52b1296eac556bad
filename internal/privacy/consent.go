package privacy

import (
	"strings"

	"github.com/householdiq-systems/householdiq/internal/models"
)

// USPrivacy is the decoded form of an IAB US privacy string ("1YNN" style:
// version, notice, opt-out-of-sale, LSPA).
type USPrivacy struct {
	Version    byte
	Notice     byte
	OptOutSale byte
	LSPA       byte
	Valid      bool
}

// ParseUSPrivacy decodes a US privacy string. Malformed or short strings come
// back with Valid=false and never block bridging on their own.
func ParseUSPrivacy(s string) USPrivacy {
	s = strings.TrimSpace(s)
	if len(s) < 4 {
		return USPrivacy{}
	}
	return USPrivacy{
		Version:    s[0],
		Notice:     s[1],
		OptOutSale: s[2],
		LSPA:       s[3],
		Valid:      true,
	}
}

// OptedOut reports whether the user opted out of sale.
func (u USPrivacy) OptedOut() bool {
	return u.Valid && u.OptOutSale == 'Y'
}

// AllowsBridging combines the partner-supplied consent flags with the
// regulatory privacy signals. Bridging requires explicit cross-device consent
// and no regional opt-out.
func AllowsBridging(consent models.ConsentFlags, signals models.PrivacySignals) bool {
	if !consent.CrossDeviceBridging {
		return false
	}
	if ParseUSPrivacy(signals.USPrivacyString).OptedOut() {
		return false
	}
	return true
}
