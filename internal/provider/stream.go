package provider

import "strings"

// cumulativeDiffer converts cumulative stream content into deltas.
// When a chunk's content extends everything emitted so far, only the
// new suffix is returned; content that does not extend the prefix is
// treated as an ordinary delta (the upstream was already incremental).
type cumulativeDiffer struct {
	emitted strings.Builder
}

func newCumulativeDiffer() *cumulativeDiffer {
	return &cumulativeDiffer{}
}

// Delta returns the increment represented by content.
func (d *cumulativeDiffer) Delta(content string) string {
	if content == "" {
		return ""
	}
	prefix := d.emitted.String()
	if strings.HasPrefix(content, prefix) && len(content) >= len(prefix) {
		delta := content[len(prefix):]
		d.emitted.WriteString(delta)
		return delta
	}
	// Incremental upstream: the chunk is itself the delta.
	d.emitted.WriteString(content)
	return content
}
