// Package banner prints the server startup box.
package banner

import (
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"
)

// ANSI color codes
const (
	reset = "\033[0m"
	bold  = "\033[1m"
	dim   = "\033[2m"
	blue  = "\033[34m"
	cyan  = "\033[36m"
)

// Box drawing characters
const (
	topLeft     = "╭"
	topRight    = "╮"
	bottomLeft  = "╰"
	bottomRight = "╯"
	horizontal  = "─"
	vertical    = "│"
	arrow       = "→"
)

// Info is what the banner shows about a running server.
type Info struct {
	Version     string
	Addr        string
	ProjectRoot string
	Worker      string
	ConfigFile  string
	HistoryPath string
	Tracing     bool
}

// Banner handles pretty startup output
type Banner struct {
	writer io.Writer
	width  int
}

// New creates a new Banner that writes to stdout
func New() *Banner {
	return &Banner{writer: os.Stdout, width: 60}
}

// NewWithWriter creates a Banner with a custom writer (for testing)
func NewWithWriter(w io.Writer) *Banner {
	return &Banner{writer: w, width: 60}
}

// Print displays the startup banner.
func (b *Banner) Print(info Info) {
	b.printHeader(info.Version)

	rows := [][2]string{
		{"listen", "http://" + info.Addr},
		{"project", info.ProjectRoot},
		{"worker", info.Worker},
	}
	if info.ConfigFile != "" {
		rows = append(rows, [2]string{"config", info.ConfigFile})
	}
	if info.HistoryPath != "" {
		rows = append(rows, [2]string{"history", info.HistoryPath})
	}
	if info.Tracing {
		rows = append(rows, [2]string{"tracing", "otlp"})
	}
	for _, row := range rows {
		b.printRow(row[0], row[1])
	}

	b.printFooter()
}

func (b *Banner) printHeader(version string) {
	fmt.Fprintf(b.writer, "\n%s%s%s%s%s\n", dim, topLeft, strings.Repeat(horizontal, b.width-2), topRight, reset)

	titleText := "ralphd"
	if version != "" {
		titleText += " " + version
	}
	title := fmt.Sprintf("  %s%s%s%s", bold, blue, titleText, reset)
	padding := max(0, b.width-visualLen(titleText)-4)
	fmt.Fprintf(b.writer, "%s%s%s%s%s%s\n", dim, vertical, reset, title, strings.Repeat(" ", padding), dim+vertical+reset)

	fmt.Fprintf(b.writer, "%s%s%s%s%s\n", dim, vertical, strings.Repeat(horizontal, b.width-2), vertical, reset)
}

func (b *Banner) printRow(label, value string) {
	value = truncateTail(value, b.width-16)
	text := fmt.Sprintf("  %s %-8s %s", arrow, label, value)
	padding := max(0, b.width-visualLen(text)-2)
	fmt.Fprintf(b.writer, "%s%s%s%s%s%s%s\n", dim, vertical, reset, cyan+text+reset, strings.Repeat(" ", padding), dim, vertical+reset)
}

// truncateTail shortens s to at most n runes, keeping the tail since paths
// are most recognizable by their last segments. The cut lands on a "/" when
// the kept tail contains one.
func truncateTail(s string, n int) string {
	if visualLen(s) <= n {
		return s
	}
	runes := []rune(s)
	tail := string(runes[len(runes)-(n-3):])
	if i := strings.IndexByte(tail, '/'); i >= 0 && i < len(tail)-1 {
		tail = tail[i:]
	}
	return "..." + tail
}

func (b *Banner) printFooter() {
	fmt.Fprintf(b.writer, "%s%s%s%s%s\n", dim, bottomLeft, strings.Repeat(horizontal, b.width-2), bottomRight, reset)
	fmt.Fprintf(b.writer, "\n")
}

// visualLen returns the number of runes in s, which must not contain ANSI codes.
func visualLen(s string) int {
	return utf8.RuneCountInString(s)
}
