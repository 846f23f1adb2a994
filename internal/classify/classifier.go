// Package classify analyzes backend worker output to determine what a
// chunk of stdout or stderr text means for the session: startup complete,
// authentication failure, a real error, or routine logging.
//
// The worker does not emit structured status records; classification is
// marker-based against known log phrasing. The phrases are documented
// heuristics, not a contract the worker formally guarantees, so the
// matching is deliberately permissive.
package classify

import (
	"regexp"
	"strings"
)

// Kind is the classification assigned to a single line of worker output.
type Kind int

const (
	// KindLog is routine output with no lifecycle significance.
	KindLog Kind = iota

	// KindReady means the worker signaled successful startup, or (in a
	// verification run) successful credential acquisition.
	KindReady

	// KindAuthFailure means the worker reported that the supplied
	// credentials were rejected by the identity provider.
	KindAuthFailure

	// KindGenericError is a non-informational line on the error stream
	// that carries no recognized marker.
	KindGenericError
)

// String returns a human-readable string for the kind.
func (k Kind) String() string {
	switch k {
	case KindLog:
		return "log"
	case KindReady:
		return "ready"
	case KindAuthFailure:
		return "auth_failure"
	case KindGenericError:
		return "generic_error"
	default:
		return "unknown"
	}
}

// Stream identifies which output stream a chunk arrived on. Stream choice
// is not itself a severity signal: uvicorn logs routine status to stderr
// by convention, so line content decides.
type Stream int

const (
	// Stdout is the worker's standard output stream.
	Stdout Stream = iota

	// Stderr is the worker's standard error stream.
	Stderr
)

// Line is one classified line of worker output.
type Line struct {
	Kind Kind
	Text string
}

// Pattern categories for output classification. Each category groups
// regexes that identify one lifecycle signal.
var (
	// ReadyPatterns detect successful worker startup. These match
	// uvicorn's startup banner as well as the worker's own verification
	// success message.
	ReadyPatterns = []string{
		`(?i)application startup complete`,
		`(?i)uvicorn running on`,
		`(?i)startup complete`,
		`(?i)authentication successful`,
		`(?i)token acquired successfully`,
	}

	// AuthFailurePatterns detect credential rejection. AADSTS codes are
	// Microsoft Entra error identifiers; 700016 (unknown client),
	// 7000215 (invalid secret) and 90002 (tenant not found) are the ones
	// the worker surfaces, but any AADSTS code on a failure line means
	// the provider rejected the attempt.
	AuthFailurePatterns = []string{
		`AADSTS\d+`,
		`(?i)invalid client`,
		`(?i)authentication failed`,
		`(?i)could not acquire token`,
		`(?i)invalid client secret`,
	}

	// BenignStderrPatterns match informational lines that tooling writes
	// to stderr by convention. They are logs, not errors.
	BenignStderrPatterns = []string{
		`^\s*INFO[:\s]`,
		`^\s*WARNING[:\s]`,
		`^\s*DEBUG[:\s]`,
		`^\s*TRACE[:\s]`,
	}
)

// Classifier classifies worker output lines. It is safe for concurrent
// use; all state is immutable after construction.
type Classifier struct {
	ready       []*regexp.Regexp
	authFailure []*regexp.Regexp
	benign      []*regexp.Regexp
}

// NewClassifier creates a Classifier with the default marker patterns.
func NewClassifier() *Classifier {
	return &Classifier{
		ready:       compileAll(ReadyPatterns),
		authFailure: compileAll(AuthFailurePatterns),
		benign:      compileAll(BenignStderrPatterns),
	}
}

func compileAll(patterns []string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		compiled = append(compiled, regexp.MustCompile(p))
	}
	return compiled
}

// ClassifyLine classifies a single line from the given stream.
//
// Marker checks run on both streams: ready and auth-failure phrases are
// recognized wherever they appear. Only when no marker matches does the
// stream matter, and even then an informational-looking stderr line is a
// log, not an error.
func (c *Classifier) ClassifyLine(stream Stream, line string) Kind {
	if matchAny(c.authFailure, line) {
		return KindAuthFailure
	}
	if matchAny(c.ready, line) {
		return KindReady
	}
	if stream == Stderr && strings.TrimSpace(line) != "" && !matchAny(c.benign, line) {
		return KindGenericError
	}
	return KindLog
}

// Scan splits a chunk of stream output into lines and classifies each.
// Empty lines are skipped. The chunk is assumed to contain whole lines;
// callers reading raw pipes should line-buffer before calling Scan.
func (c *Classifier) Scan(stream Stream, chunk string) []Line {
	var out []Line
	for _, raw := range strings.Split(chunk, "\n") {
		line := strings.TrimRight(raw, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, Line{
			Kind: c.ClassifyLine(stream, line),
			Text: line,
		})
	}
	return out
}

// ContainsSuccess reports whether any line in the buffered output carries
// a ready/success marker. The credential verifier uses this as a last
// resort when a probe process died ambiguously: output that was already
// printed is the only remaining evidence of the outcome.
func (c *Classifier) ContainsSuccess(buffered string) bool {
	for _, raw := range strings.Split(buffered, "\n") {
		if matchAny(c.ready, raw) {
			return true
		}
	}
	return false
}

func matchAny(patterns []*regexp.Regexp, line string) bool {
	for _, re := range patterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}
