package voice

import "strings"

// SentenceSplitter turns a stream of reply-text fragments into whole
// sentences for synthesis. A sentence ends at '.', '!' or '?' immediately
// followed by whitespace.
type SentenceSplitter struct {
	buf strings.Builder
}

// Write appends fragment and returns every sentence it completed, in order.
func (s *SentenceSplitter) Write(fragment string) []string {
	s.buf.WriteString(fragment)

	var out []string
	for {
		text := s.buf.String()
		idx := firstSentenceBoundary(text)
		if idx < 0 {
			return out
		}
		out = append(out, strings.TrimSpace(text[:idx+1]))
		rest := strings.TrimLeft(text[idx+1:], " \t\n\r")
		s.buf.Reset()
		s.buf.WriteString(rest)
	}
}

// Flush returns whatever text remains (trimmed) and clears the splitter.
func (s *SentenceSplitter) Flush() string {
	rest := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return rest
}

// firstSentenceBoundary returns the index of the first '.', '!', or '?'
// that is immediately followed by whitespace, or -1 if none exists.
func firstSentenceBoundary(s string) int {
	for i := 0; i < len(s)-1; i++ {
		switch s[i] {
		case '.', '!', '?':
			switch s[i+1] {
			case ' ', '\n', '\r', '\t':
				return i
			}
		}
	}
	return -1
}
