package consensus

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/lightningnetwork/relaydir/relay"
)

const (
	// minRouterTokens is the smallest number of whitespace separated
	// tokens a router line can have: the keyword, nickname, identity,
	// publication date and time, address and OR port.
	minRouterTokens = 7

	// maxLineLength bounds a single document line.
	maxLineLength = 1 << 20

	// timeLayout is the layout of the date and time tokens.
	timeLayout = "2006-01-02 15:04:05"
)

// Line keywords understood by the scanner.
const (
	keywordRouter     = "r"
	keywordFlags      = "s"
	keywordBandwidth  = "w"
	keywordMicrodesc  = "m"
	keywordPolicy     = "p"
	keywordVersion    = "network-status-version"
	keywordValidAfter = "valid-after"
	keywordFreshUntil = "fresh-until"
	keywordValidUntil = "valid-until"
	keywordFooter     = "directory-footer"
	bandwidthPrefix   = "Bandwidth="
	digestPrefix      = "sha256="
)

// parserState is the state of the line scanner.
type parserState uint8

const (
	// stateIdle means no router entry is being built.
	stateIdle parserState = iota

	// stateInRouter means the lines belong to a started router entry.
	stateInRouter

	// stateFooter means the router section is over.
	stateFooter
)

// Outcome is the result of scanning one router entry: the committed record,
// or a *MalformedEntryError describing why it was skipped.
type Outcome = fn.Result[relay.Record]

// Diagnostics counts what happened to the entries of a document.
type Diagnostics struct {
	// Committed is the number of records produced.
	Committed int

	// Skipped is the number of router entries dropped.
	Skipped int

	// SoftErrors counts recoverable field faults, such as an unparsable
	// bandwidth weight, on entries that were still committed.
	SoftErrors int
}

// Add returns the sum of two diagnostics.
func (d Diagnostics) Add(o Diagnostics) Diagnostics {
	return Diagnostics{
		Committed:  d.Committed + o.Committed,
		Skipped:    d.Skipped + o.Skipped,
		SoftErrors: d.SoftErrors + o.SoftErrors,
	}
}

// Header is the document level metadata found before the router section.
type Header struct {
	// Version is the network status document version.
	Version int

	// Flavor is the consensus flavor, "ns" when unspecified.
	Flavor string

	// ValidAfter is the start of the validity interval.
	ValidAfter fn.Option[time.Time]

	// FreshUntil is the time a newer document is expected.
	FreshUntil fn.Option[time.Time]

	// ValidUntil is the end of the validity interval.
	ValidUntil fn.Option[time.Time]
}

// Result is everything the parser extracted from one document.
type Result struct {
	// Records are the committed records in document order.
	Records []relay.Record

	// Outcomes has one entry per router entry seen.
	Outcomes []Outcome

	// Diagnostics summarises the outcomes.
	Diagnostics Diagnostics

	// Header is the document metadata.
	Header Header
}

// Skipped returns the reasons for every dropped entry.
func (r *Result) Skipped() []*MalformedEntryError {
	var skipped []*MalformedEntryError
	for _, outcome := range r.Outcomes {
		_, err := outcome.Unpack()

		var merr *MalformedEntryError
		if errors.As(err, &merr) {
			skipped = append(skipped, merr)
		}
	}

	return skipped
}

// pendingRouter is a router entry whose lines are still being read.
type pendingRouter struct {
	raw    RawEntry
	params relay.RecordParams
}

// scanner holds the state of a single pass over a document.
type scanner struct {
	state   parserState
	lineNo  int
	pending *pendingRouter
	seen    map[string]struct{}
	result  *Result
}

// ParseBytes parses an in-memory document.
func ParseBytes(doc []byte) (*Result, error) {
	return Parse(bytes.NewReader(doc))
}

// Parse reads a consensus document, either the full "ns" flavor or the
// compact microdescriptor flavor, and returns the router records in it.
// Faults in a single router entry never abort parsing: the entry is dropped
// and reported in the result. An error is only returned if reading fails.
func Parse(r io.Reader) (*Result, error) {
	s := &scanner{
		seen: make(map[string]struct{}),
		result: &Result{
			Header: Header{Flavor: "ns"},
		},
	}

	lines := bufio.NewScanner(r)
	lines.Buffer(make([]byte, 0, 64*1024), maxLineLength)
	for lines.Scan() {
		s.lineNo++
		s.handleLine(strings.TrimRight(lines.Text(), "\r"))
	}
	if err := lines.Err(); err != nil {
		return nil, fmt.Errorf("unable to read document at line %d: "+
			"%w", s.lineNo+1, err)
	}

	// End of input finishes the last entry.
	if s.state == stateInRouter {
		s.commit()
	}

	d := s.result.Diagnostics
	log.Debugf("Parsed %v document: committed=%d skipped=%d "+
		"soft_errors=%d", s.result.Header.Flavor, d.Committed,
		d.Skipped, d.SoftErrors)

	return s.result, nil
}

// handleLine advances the state machine by one line.
func (s *scanner) handleLine(line string) {
	if s.state == stateFooter {
		return
	}

	fields := strings.Fields(line)

	// A blank line ends the current entry.
	if len(fields) == 0 {
		if s.state == stateInRouter {
			s.commit()
		}
		return
	}

	keyword := fields[0]
	switch {
	case keyword == keywordRouter:
		if s.state == stateInRouter {
			s.commit()
		}
		s.startRouter(line, fields)
		return

	case keyword == keywordFooter:
		if s.state == stateInRouter {
			s.commit()
		}
		s.state = stateFooter
		return

	case s.state == stateIdle:
		s.handleHeader(keyword, fields)
		return
	}

	p := s.pending
	p.raw.Lines = append(p.raw.Lines, line)

	switch keyword {
	case keywordFlags:
		p.params.Flags = append([]string(nil), fields[1:]...)

	case keywordBandwidth:
		bw, err := parseBandwidth(fields[1:])
		if err != nil {
			log.Debugf("Line %d: %v, using zero weight", s.lineNo,
				err)
			s.result.Diagnostics.SoftErrors++
		}
		p.params.Bandwidth = bw

	case keywordMicrodesc:
		token, ok := keyToken(fields[1:])
		if !ok {
			log.Debugf("Line %d: empty key line", s.lineNo)
			s.result.Diagnostics.SoftErrors++
			return
		}
		p.params.OnionKey = relay.CanonicalKey(token)

	case keywordPolicy:
		p.params.ExitPolicy = strings.Join(fields[1:], " ")
	}
}

// handleHeader records document metadata seen outside of router entries.
func (s *scanner) handleHeader(keyword string, fields []string) {
	h := &s.result.Header

	switch keyword {
	case keywordVersion:
		if len(fields) > 1 {
			if v, err := strconv.Atoi(fields[1]); err == nil {
				h.Version = v
			}
		}
		if len(fields) > 2 {
			h.Flavor = fields[2]
		}

	case keywordValidAfter:
		h.ValidAfter = parseTimeFields(fields[1:])

	case keywordFreshUntil:
		h.FreshUntil = parseTimeFields(fields[1:])

	case keywordValidUntil:
		h.ValidUntil = parseTimeFields(fields[1:])
	}
}

// startRouter parses a router line and, if it carries the mandatory fields,
// moves into the router state. The two document flavors differ only in the
// presence of the descriptor digest and the directory port, so the position of
// the publication date decides which tokens are present.
func (s *scanner) startRouter(line string, fields []string) {
	raw := RawEntry{StartLine: s.lineNo, Lines: []string{line}}
	s.pending = nil
	s.state = stateIdle

	if len(fields) < minRouterTokens {
		s.skip(raw, fmt.Sprintf("router line has %d tokens, need at "+
			"least %d", len(fields), minRouterTokens), nil)
		return
	}

	dateIdx := -1
	for _, i := range []int{3, 4} {
		if isDate(fields[i]) {
			dateIdx = i
			break
		}
	}
	if dateIdx == -1 {
		s.skip(raw, "router line has no publication date", nil)
		return
	}

	// Time, address and OR port must follow the date.
	if len(fields) < dateIdx+4 {
		s.skip(raw, "router line is missing address or port", nil)
		return
	}

	orPort, err := parsePort(fields[dateIdx+3])
	if err != nil || orPort == 0 {
		s.skip(raw, "invalid or port", err)
		return
	}

	params := relay.RecordParams{
		Nickname:    fields[1],
		Fingerprint: fields[2],
		Address:     fields[dateIdx+2],
		ORPort:      orPort,
		DirPort:     fn.None[uint16](),
		Published:   fn.None[time.Time](),
	}

	published, err := time.Parse(
		timeLayout, fields[dateIdx]+" "+fields[dateIdx+1],
	)
	if err == nil {
		params.Published = fn.Some(published.UTC())
	}

	if len(fields) > dateIdx+4 {
		dirPort, err := parsePort(fields[dateIdx+4])
		switch {
		case err != nil:
			log.Debugf("Line %d: invalid dir port %q", s.lineNo,
				fields[dateIdx+4])
			s.result.Diagnostics.SoftErrors++

		case dirPort != 0:
			params.DirPort = fn.Some(dirPort)
		}
	}

	s.pending = &pendingRouter{raw: raw, params: params}
	s.state = stateInRouter
}

// commit turns the pending entry into a record, or a skip outcome if it
// fails validation, and returns to the idle state.
func (s *scanner) commit() {
	p := s.pending
	s.pending = nil
	s.state = stateIdle

	if p == nil {
		return
	}

	if _, dup := s.seen[p.params.Fingerprint]; dup {
		s.skip(p.raw, "duplicate fingerprint", nil)
		return
	}

	record, err := relay.NewRecord(p.params)
	if err != nil {
		s.skip(p.raw, "invalid router entry", err)
		return
	}

	s.seen[record.Fingerprint] = struct{}{}
	s.result.Records = append(s.result.Records, record)
	s.result.Outcomes = append(s.result.Outcomes, fn.Ok(record))
	s.result.Diagnostics.Committed++

	log.Tracef("Committed router: %v", newLogClosure(func() string {
		return spew.Sdump(record)
	}))
}

// skip records a dropped entry.
func (s *scanner) skip(raw RawEntry, reason string, err error) {
	merr := &MalformedEntryError{Entry: raw, Reason: reason, Err: err}

	s.result.Outcomes = append(
		s.result.Outcomes, fn.Err[relay.Record](merr),
	)
	s.result.Diagnostics.Skipped++

	log.Debugf("Skipping %v", merr)
}

// parseBandwidth extracts the Bandwidth= weight from the tokens of a w line.
func parseBandwidth(tokens []string) (uint64, error) {
	for _, token := range tokens {
		if !strings.HasPrefix(token, bandwidthPrefix) {
			continue
		}

		value := strings.TrimPrefix(token, bandwidthPrefix)
		bw, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid bandwidth %q", value)
		}

		return bw, nil
	}

	return 0, fmt.Errorf("no bandwidth weight in %q",
		strings.Join(tokens, " "))
}

// keyToken picks the key material out of the tokens of an m line. The
// microdescriptor flavor carries the digest alone, while vote style lines
// prefix it with the consensus methods and the digest algorithm.
func keyToken(tokens []string) (string, bool) {
	if len(tokens) == 0 {
		return "", false
	}

	token := tokens[len(tokens)-1]
	if len(tokens) > 1 {
		token = strings.TrimPrefix(token, digestPrefix)
	}

	return token, token != ""
}

// parsePort parses a 16 bit port number.
func parsePort(s string) (uint16, error) {
	port, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, err
	}

	return uint16(port), nil
}

// isDate reports whether the token looks like a YYYY-MM-DD date.
func isDate(token string) bool {
	_, err := time.Parse("2006-01-02", token)
	return err == nil
}

// parseTimeFields parses a "date time" pair.
func parseTimeFields(tokens []string) fn.Option[time.Time] {
	if len(tokens) < 2 {
		return fn.None[time.Time]()
	}

	t, err := time.Parse(timeLayout, tokens[0]+" "+tokens[1])
	if err != nil {
		return fn.None[time.Time]()
	}

	return fn.Some(t.UTC())
}
