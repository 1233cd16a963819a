package transport

import "strings"

// UserPart strips the server suffix and device index from a chat identifier:
//
//	"258865446574@c.us"             -> "258865446574"
//	"258865446574:12@s.whatsapp.net" -> "258865446574"
//	"123456789"                      -> "123456789"
func UserPart(id string) string {
	id = strings.TrimSpace(id)
	if i := strings.IndexByte(id, '@'); i >= 0 {
		id = id[:i]
	}
	if i := strings.IndexByte(id, ':'); i >= 0 {
		id = id[:i]
	}
	return id
}

// SameUser compares two identifiers ignoring server and device parts.
func SameUser(a, b string) bool {
	ua, ub := UserPart(a), UserPart(b)
	return ua != "" && ua == ub
}
