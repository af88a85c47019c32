package upnp

import (
	"strconv"
	"strings"
)

// SplitUSN splits a unique service name into its UDN and the device or
// service type that follows the "::" separator. typ is empty when the USN
// carries a bare UDN.
func SplitUSN(usn string) (udn string, typ string) {
	parts := strings.Split(usn, "::")
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], ""
}

// MaxAge extracts the max-age directive, in seconds, from a CACHE-CONTROL
// header value. ok is false when the directive is missing or malformed.
func MaxAge(cacheControl string) (seconds int, ok bool) {
	for _, directive := range strings.Split(cacheControl, ",") {
		name, value, found := strings.Cut(directive, "=")
		if !found {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(name), "max-age") {
			continue
		}
		value = strings.TrimSpace(value)
		if !isDigits(value) {
			return 0, false
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
