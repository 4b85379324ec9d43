package agent

import "strings"

const statusOpenTag = "<status>"
const statusCloseTag = "</status>"

// statusTagBuffer implements the status-tag extractor from spec.md §4.2:
// the model may emit `<status>...</status>` inline within ordinary text
// deltas; this buffer finds complete tags (emitting them as status_update
// events, not passing them through as visible text), and holds back any
// trailing text that might be the start of a split tag across delta
// boundaries.
type statusTagBuffer struct {
	buf string
}

// feed processes one incoming text delta, returning the clean delta to
// surface to the UI/path and any complete status messages found, in the
// order they were closed. The scan is greedy and repeats until no
// complete tag remains in the combined buffer, per spec.md §4.2(a).
func (s *statusTagBuffer) feed(delta string) (clean string, statuses []string) {
	s.buf += delta
	for {
		openIdx := strings.Index(s.buf, statusOpenTag)
		if openIdx < 0 {
			break
		}
		closeIdx := strings.Index(s.buf[openIdx:], statusCloseTag)
		if closeIdx < 0 {
			break
		}
		closeIdx += openIdx

		clean += s.buf[:openIdx]
		msg := s.buf[openIdx+len(statusOpenTag) : closeIdx]
		statuses = append(statuses, msg)
		s.buf = s.buf[closeIdx+len(statusCloseTag):]
	}

	// No complete tag remains. An open tag may still be sitting in the
	// buffer waiting for its close (e.g. "<status>partial"); hold
	// everything from its start back rather than flushing it as visible
	// text.
	if openIdx := strings.Index(s.buf, statusOpenTag); openIdx >= 0 {
		clean += s.buf[:openIdx]
		s.buf = s.buf[openIdx:]
		return clean, statuses
	}

	// Otherwise, if the tail looks like the start of "<status", hold it
	// back; it's ordinary text that happens to contain "<" without
	// forming a real prefix otherwise, so flush it.
	if idx := strictPrefixStart(s.buf, statusOpenTag); idx >= 0 {
		clean += s.buf[:idx]
		s.buf = s.buf[idx:]
		return clean, statuses
	}
	clean += s.buf
	s.buf = ""
	return clean, statuses
}

// strictPrefixStart finds the first index in s from which s[idx:] is a
// non-empty prefix of tag ("<", "<s", ... up to "<status"). A complete
// "<status>" never reaches this function: feed's open-tag check above
// already holds the buffer back from it. Returns -1 if no suffix of s is
// a prefix of tag.
func strictPrefixStart(s string, tag string) int {
	maxLen := len(tag)
	if maxLen > len(s) {
		maxLen = len(s)
	}
	for l := maxLen; l >= 1; l-- {
		start := len(s) - l
		if s[start:] == tag[:l] {
			return start
		}
	}
	return -1
}
