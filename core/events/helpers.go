package events

import "strings"

// normalizeAsset keeps event attributes in the canonical upper-case symbol
// form the engines use, so stream consumers never see mixed casing.
func normalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}
