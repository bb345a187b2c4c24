package privacy

import (
	"fmt"
	"strings"
)

// MaskIdentity redacts a user or group identity for log output, keeping just
// enough of the value to correlate log lines. Full identities only appear in
// logs when verbose mode is enabled.
func MaskIdentity(id string) string {
	if id == "" {
		return ""
	}
	if len(id) <= 4 {
		return strings.Repeat("*", len(id))
	}
	return fmt.Sprintf("%s***%s", id[:2], id[len(id)-2:])
}

// MaskIdentities masks a list of identities.
func MaskIdentities(ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = MaskIdentity(id)
	}
	return out
}

// MaskText truncates and redacts message text for log output. Message bodies
// never land in logs verbatim.
func MaskText(text string) string {
	if text == "" {
		return ""
	}
	return fmt.Sprintf("[%d chars]", len(text))
}
