package protocol

import "strings"

const (
	// UserSuffix terminates user JIDs on the messaging network.
	UserSuffix = "@s.whatsapp.net"
	// GroupSuffix terminates group JIDs.
	GroupSuffix = "@g.us"
)

// FormatPhone normalizes a raw phone number into a user JID. Already
// formatted JIDs pass through unchanged.
func FormatPhone(phone string) string {
	if strings.HasSuffix(phone, UserSuffix) {
		return phone
	}
	var digits strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	return digits.String() + UserSuffix
}

// FormatGroup normalizes a raw group identifier into a group JID. Group IDs
// keep digits and the dash separator.
func FormatGroup(group string) string {
	if strings.HasSuffix(group, GroupSuffix) {
		return group
	}
	var kept strings.Builder
	for _, r := range group {
		if (r >= '0' && r <= '9') || r == '-' {
			kept.WriteRune(r)
		}
	}
	return kept.String() + GroupSuffix
}
