package relay

import "unicode/utf8"

// DefaultMaxMessageLength is Telegram's per-message limit in characters.
const DefaultMaxMessageLength = 4096

// Split cuts text into consecutive pieces of at most size characters
// (Unicode code points). Joining the pieces gives back text byte for byte;
// empty text yields no pieces. A non-positive size means DefaultMaxMessageLength.
func Split(text string, size int) []string {
	if size <= 0 {
		size = DefaultMaxMessageLength
	}
	var chunks []string
	for len(text) > 0 {
		end := 0
		for n := 0; n < size && end < len(text); n++ {
			_, w := utf8.DecodeRuneInString(text[end:])
			end += w
		}
		chunks = append(chunks, text[:end])
		text = text[end:]
	}
	return chunks
}
