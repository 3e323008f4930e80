package tools

// MaxResponseLen caps the characters of tool output sent to the model.
const MaxResponseLen = 16000

// TruncatedNotice is appended to clipped output.
const TruncatedNotice = "<response clipped><NOTE>To save on context only part of this output has been shown to you. " +
	"Narrow the command, or search with `grep -n` to find the line numbers you need.</NOTE>"

// Truncate clips text to limit characters and appends TruncatedNotice.
// A non-positive limit means MaxResponseLen.
func Truncate(text string, limit int) string {
	if limit <= 0 {
		limit = MaxResponseLen
	}
	if len(text) <= limit {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + TruncatedNotice
}
