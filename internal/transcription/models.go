package transcription

import (
	"fmt"
	"strings"
)

// Segment is one timestamped span of transcribed speech.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// FormatTimestamp renders seconds as MM:SS.
func FormatTimestamp(seconds float64) string {
	total := int(seconds)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

// Render concatenates segments into a timestamped transcript, one
// "[MM:SS - MM:SS] text" line per segment.
func Render(segments []Segment) string {
	lines := make([]string, 0, len(segments))
	for _, seg := range segments {
		text := strings.TrimSpace(seg.Text)
		if text == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("[%s - %s] %s",
			FormatTimestamp(seg.Start), FormatTimestamp(seg.End), text))
	}
	return strings.Join(lines, "\n")
}
