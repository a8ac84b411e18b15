package protocol

import "strings"

// LineBuffer reassembles newline-delimited JSON records from arbitrary
// stream fragments. Output arriving through a PTY may carry terminal escape
// noise ahead of the JSON, so each complete line is trimmed back to its
// first '{' or '['; lines with no JSON start at all are dropped as noise.
// One LineBuffer per session — the carry-over is per-stream state.
type LineBuffer struct {
	carry strings.Builder
}

// Feed appends a fragment and returns all newly completed records in arrival
// order. The trailing piece after the last newline is retained for the next
// call; a record split across feeds is emitted exactly once, on the call
// that supplies its delimiter.
func (b *LineBuffer) Feed(fragment string) []string {
	if fragment == "" {
		return nil
	}
	b.carry.WriteString(fragment)
	if !strings.Contains(fragment, "\n") {
		return nil
	}

	buffered := b.carry.String()
	b.carry.Reset()

	pieces := strings.Split(buffered, "\n")
	b.carry.WriteString(pieces[len(pieces)-1])

	var records []string
	for _, piece := range pieces[:len(pieces)-1] {
		if rec, ok := cleanRecord(piece); ok {
			records = append(records, rec)
		}
	}
	return records
}

// Reset discards the carry-over. Called on session detach so a stale partial
// line never prefixes the next attach's output.
func (b *LineBuffer) Reset() {
	b.carry.Reset()
}

// cleanRecord strips any non-JSON prefix (escape sequences, stray prompt
// text) and reports whether the line holds a plausible JSON record.
func cleanRecord(line string) (string, bool) {
	line = strings.TrimRight(stripEscapes(line), " \t\r")
	if line == "" {
		return "", false
	}
	start := strings.IndexAny(line, "{[")
	if start < 0 {
		return "", false
	}
	return line[start:], true
}

// stripEscapes removes ANSI escape sequences so the '[' of a CSI run is
// never mistaken for the start of a JSON array. CSI sequences are ESC '['
// followed by parameter bytes and a final byte in 0x40-0x7e; a bare ESC
// with any other follower is dropped on its own.
func stripEscapes(line string) string {
	if !strings.ContainsRune(line, 0x1b) {
		return line
	}
	var b strings.Builder
	b.Grow(len(line))
	for i := 0; i < len(line); {
		if line[i] != 0x1b {
			b.WriteByte(line[i])
			i++
			continue
		}
		if i+1 < len(line) && line[i+1] == '[' {
			j := i + 2
			for j < len(line) && (line[j] < 0x40 || line[j] > 0x7e) {
				j++
			}
			if j < len(line) {
				j++
			}
			i = j
			continue
		}
		i++
	}
	return b.String()
}
