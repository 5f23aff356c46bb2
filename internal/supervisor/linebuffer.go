package supervisor

import "strings"

// LineBuffer splits a chunked output stream into lines.
//
// Lines end at "\n" or "\r\n". Text after the last terminator stays pending
// until more output arrives or the stream ends.
type LineBuffer struct {
	pending string
}

// Feed appends chunk and returns every line completed by it, in order.
func (b *LineBuffer) Feed(chunk string) []string {
	data := b.pending + chunk

	var lines []string
	for {
		i := strings.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, strings.TrimSuffix(data[:i], "\r"))
		data = data[i+1:]
	}

	b.pending = data
	return lines
}

// Flush returns the pending fragment as a final line and clears it.
// ok is false when nothing is pending.
func (b *LineBuffer) Flush() (line string, ok bool) {
	if b.pending == "" {
		return "", false
	}
	line = b.pending
	b.pending = ""
	return line, true
}

// Pending returns the text not yet terminated by a line break.
func (b *LineBuffer) Pending() string {
	return b.pending
}
