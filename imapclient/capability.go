package imapclient

import (
	"sort"
	"strings"

	"golang.org/x/exp/maps"
)

// Capabilities of a server. Tokens without "=" are flags. Tokens of the form
// KEY=VALUE are collected in groups, e.g. AUTH=PLAIN and AUTH=CRAM-MD5 in group
// AUTH with values PLAIN and CRAM-MD5.
type Capabilities struct {
	Flags  map[Capability]bool
	Groups map[string][]string
}

// ParseCapabilities parses the space-separated capability tokens in s.
func ParseCapabilities(s string) Capabilities {
	c := Capabilities{Flags: map[Capability]bool{}, Groups: map[string][]string{}}
	for _, t := range strings.Fields(s) {
		t = strings.ToUpper(t)
		c.Flags[Capability(t)] = true
		if k, v, ok := strings.Cut(t, "="); ok {
			c.Groups[k] = append(c.Groups[k], v)
		}
	}
	return c
}

// Has returns whether the capability is present, e.g. CapIdle or CapAuthPlain.
func (c Capabilities) Has(capa Capability) bool {
	return c.Flags[Capability(strings.ToUpper(string(capa)))]
}

// AuthMechanisms returns the values of the AUTH group.
func (c Capabilities) AuthMechanisms() []string {
	return c.Groups["AUTH"]
}

// String returns the capabilities sorted, separated by space.
func (c Capabilities) String() string {
	l := maps.Keys(c.Flags)
	sort.Slice(l, func(i, j int) bool { return l[i] < l[j] })
	var b strings.Builder
	for i, capa := range l {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(string(capa))
	}
	return b.String()
}

// parseCapabilityCode returns capabilities from a "[CAPABILITY ...]" response
// code.
func parseCapabilityCode(s string) (Capabilities, bool) {
	const prefix = "[CAPABILITY "
	i := strings.Index(strings.ToUpper(s), prefix)
	if i < 0 {
		return Capabilities{}, false
	}
	rest := s[i+len(prefix):]
	j := strings.Index(rest, "]")
	if j < 0 {
		return Capabilities{}, false
	}
	return ParseCapabilities(rest[:j]), true
}

// parseCapabilityLines returns capabilities from untagged CAPABILITY lines.
func parseCapabilityLines(lines []string) (Capabilities, bool) {
	for _, line := range lines {
		if hasPrefixFold(line, "* CAPABILITY ") {
			return ParseCapabilities(line[len("* CAPABILITY "):]), true
		}
	}
	return Capabilities{}, false
}

func (s *Session) setCaps(c Capabilities) {
	s.caps = &c
	s.capsAuthed = s.authenticated()
}

// Capability returns the capabilities of the server. The result is cached, and
// only requested again with a CAPABILITY command after the authentication state
// changed, i.e. after login or logout, or after STARTTLS.
func (s *Session) Capability() (Capabilities, error) {
	if s.caps != nil && s.capsAuthed == s.authenticated() {
		return *s.caps, nil
	}
	if err := s.permit(StateConnected); err != nil {
		return Capabilities{}, err
	}
	resp, err := s.transact(newCmd("CAPABILITY"))
	if err != nil {
		return Capabilities{}, err
	}
	c, ok := parseCapabilityLines(resp.Lines())
	if !ok {
		c = Capabilities{Flags: map[Capability]bool{}, Groups: map[string][]string{}}
	}
	s.setCaps(c)
	return c, nil
}

// hasCap returns whether the server has capability c. Errors fetching the
// capabilities result in false.
func (s *Session) hasCap(c Capability) bool {
	caps, err := s.Capability()
	return err == nil && caps.Has(c)
}
