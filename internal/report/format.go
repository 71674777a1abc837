package report

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/deixis/cellkernel/internal/kernel"
)

// maxInlineData caps how much of a non-text display payload is printed.
const maxInlineData = 120

// Format renders a transcript as plain text for terminals and agents.
func Format(t Transcript) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Cell: %s (request %d)\n", t.ID, t.RequestID)
	fmt.Fprintf(&b, "Status: %s", t.Status)
	if d := t.Duration(); d > 0 {
		fmt.Fprintf(&b, " in %s", d.Round(time.Millisecond))
	}
	fmt.Fprintln(&b)

	if len(t.Outputs) == 0 {
		return b.String()
	}
	fmt.Fprintln(&b)

	// Consecutive chunks of the same stream are joined before printing.
	var pending string
	var pendingData strings.Builder
	flush := func() {
		if pendingData.Len() == 0 {
			return
		}
		fmt.Fprintf(&b, "[%s]\n", pending)
		writeIndented(&b, pendingData.String())
		pendingData.Reset()
	}

	for _, o := range t.Outputs {
		if o.Kind == kernel.OutputStream {
			if o.Stream != pending {
				flush()
				pending = o.Stream
			}
			pendingData.WriteString(o.Data)
			continue
		}
		flush()
		pending = ""

		switch o.Kind {
		case kernel.OutputDisplay:
			fmt.Fprintf(&b, "[display %s]\n", o.MimeType)
			writeIndented(&b, displayText(o))
		case kernel.OutputError:
			fmt.Fprintf(&b, "[error] %s: %s\n", o.ErrorName, o.ErrorMessage)
			if o.StackTrace != "" {
				writeIndented(&b, o.StackTrace)
			}
		}
	}
	flush()
	return b.String()
}

func displayText(o kernel.Output) string {
	if strings.HasPrefix(o.MimeType, "text/") || strings.HasSuffix(o.MimeType, "+json") || o.MimeType == "application/json" {
		return o.Data
	}
	if len(o.Data) > maxInlineData {
		cut := maxInlineData
		for cut > 0 && !utf8.RuneStart(o.Data[cut]) {
			cut--
		}
		return fmt.Sprintf("%s... (%d bytes)", o.Data[:cut], len(o.Data))
	}
	return o.Data
}

func writeIndented(b *strings.Builder, text string) {
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		fmt.Fprintf(b, "    %s\n", line)
	}
}
