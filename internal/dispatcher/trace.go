package dispatcher

import (
	"fmt"
	"os"

	"github.com/netsed/netsed-go/internal/rule"
)

// stdoutTracer writes the spec-mandated per-rule trace lines straight
// to os.Stdout. *os.File writes are unbuffered by construction, so this
// needs no explicit flush to satisfy "diagnostic output... unbuffered".
type stdoutTracer struct{}

func (stdoutTracer) Applying(r rule.Rule) {
	fmt.Fprintf(os.Stdout, "Applying rule s/%s/%s...\n", r.DisplayFrom, r.DisplayTo)
}

func (stdoutTracer) Expired(r rule.Rule) {
	fmt.Fprintf(os.Stdout, "Rule s/%s/%s just expired\n", r.DisplayFrom, r.DisplayTo)
}

// traceForward emits the required per-event forwarding summary line.
func traceForward(changes, outLen, inLen int) {
	if changes == 0 {
		fmt.Fprintf(os.Stdout, "Forwarding untouched packet of size %d.\n", outLen)
		return
	}
	fmt.Fprintf(os.Stdout, "Done %d replacements, forwarding packet of size %d (orig %d).\n", changes, outLen, inLen)
}
