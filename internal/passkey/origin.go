package passkey

import "strings"

// NormalizeOrigin reduces an origin or bare host to the form stored origins
// are compared in: lower case, no scheme, no path, no leading "www.".
func NormalizeOrigin(o string) string {
	o = strings.ToLower(strings.TrimSpace(o))
	if i := strings.Index(o, "://"); i >= 0 {
		o = o[i+3:]
	}
	if i := strings.IndexAny(o, "/?#"); i >= 0 {
		o = o[:i]
	}
	o = strings.TrimSuffix(o, ".")
	return strings.TrimPrefix(o, "www.")
}
