// Package sed implements the netsed substitution engine: left-to-right,
// first-match-wins, non-overlapping byte rewriting driven by a frozen
// RuleSet and a per-flow mutable TTL vector.
package sed

import (
	"bytes"
	"fmt"

	"github.com/netsed/netsed-go/internal/rule"
)

// MaxBuf bounds a single receive event, matching netsed.c's MAX_BUF.
const MaxBuf = 100000

// MaxOut bounds the rewritten output of a single event. Rules may expand
// a buffer (e.g. s/A/%00%0a%0a%0a), so the cap is a multiple of MaxBuf
// rather than equal to it.
const MaxOut = 4 * MaxBuf

// ErrBufferOverflow is returned when a rewrite would exceed MaxOut.
var ErrBufferOverflow = fmt.Errorf("sed: rewritten output exceeds %d bytes", MaxOut)

// Tracer receives diagnostic lines as substitutions happen, matching
// spec.md §6's required trace text. Tests pass nil to stay silent.
type Tracer interface {
	Applying(r rule.Rule)
	Expired(r rule.Rule)
}

// Apply rewrites in according to rules, consuming (and mutating in place)
// the per-flow ttl vector. It returns the rewritten bytes and the number
// of substitutions performed.
//
// ttl must have the same length as rules; it is the caller's (the
// tracker's) responsibility to clone it per-flow from rules.TTLVector().
func Apply(rules rule.RuleSet, ttl []int, in []byte, tr Tracer) ([]byte, int, error) {
	if len(ttl) != len(rules) {
		panic("sed: ttl vector length does not match rule set length")
	}

	out := make([]byte, 0, len(in))
	changes := 0

	for i := 0; i < len(in); {
		matched := false
		for k := range rules {
			r := rules[k]
			if ttl[k] == 0 {
				continue
			}
			flen := len(r.From)
			if flen == 0 || i+flen > len(in) {
				continue
			}
			if !bytes.Equal(in[i:i+flen], r.From) {
				continue
			}

			changes++
			matched = true
			if tr != nil {
				tr.Applying(r)
			}
			if ttl[k] > 0 {
				ttl[k]--
				if ttl[k] == 0 && tr != nil {
					tr.Expired(r)
				}
			}

			if len(out)+len(r.To) > MaxOut {
				return nil, 0, ErrBufferOverflow
			}
			out = append(out, r.To...)
			i += flen
			break
		}
		if !matched {
			if len(out)+1 > MaxOut {
				return nil, 0, ErrBufferOverflow
			}
			out = append(out, in[i])
			i++
		}
	}

	return out, changes, nil
}
