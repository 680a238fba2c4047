package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// Port-count, processing and flow-code declarations are compact strings
// of the form "<inputs>/<outputs>". This file parses all three.

const unlimitedPorts = 1 << 30

// portCountSpec is one side of a PortCount declaration: an inclusive
// range, where max == unlimitedPorts means "any number".
type portCountSpec struct {
	min, max int
}

func (s portCountSpec) allows(n int) bool { return n >= s.min && n <= s.max }

func (s portCountSpec) String() string {
	switch {
	case s.max == unlimitedPorts && s.min == 0:
		return "-"
	case s.max == unlimitedPorts:
		return fmt.Sprintf("%d-", s.min)
	case s.min == s.max:
		return strconv.Itoa(s.min)
	default:
		return fmt.Sprintf("%d-%d", s.min, s.max)
	}
}

// parsePortCount parses declarations like "1/1", "1/2", "1-2/1", "1/-",
// "-/1" or "0/1-".
func parsePortCount(spec string) (in, out portCountSpec, err error) {
	parts := strings.Split(spec, "/")
	if len(parts) != 2 {
		return in, out, fmt.Errorf("bad port count %q", spec)
	}
	if in, err = parsePortCountSide(parts[0]); err != nil {
		return in, out, fmt.Errorf("bad port count %q: %w", spec, err)
	}
	if out, err = parsePortCountSide(parts[1]); err != nil {
		return in, out, fmt.Errorf("bad port count %q: %w", spec, err)
	}
	return in, out, nil
}

func parsePortCountSide(s string) (portCountSpec, error) {
	s = strings.TrimSpace(s)
	if s == "-" {
		return portCountSpec{0, unlimitedPorts}, nil
	}

	lo, hi, ranged := s, s, false
	if i := strings.IndexByte(s, '-'); i >= 0 {
		lo, hi, ranged = s[:i], s[i+1:], true
	}

	minv, err := strconv.Atoi(lo)
	if err != nil || minv < 0 {
		return portCountSpec{}, fmt.Errorf("bad range %q", s)
	}
	if !ranged {
		return portCountSpec{minv, minv}, nil
	}
	if hi == "" {
		return portCountSpec{minv, unlimitedPorts}, nil
	}

	maxv, err := strconv.Atoi(hi)
	if err != nil || maxv < minv {
		return portCountSpec{}, fmt.Errorf("bad range %q", s)
	}
	return portCountSpec{minv, maxv}, nil
}

// parseProcessing expands a Processing declaration into one code per
// port. The last code on each side repeats for excess ports.
func parseProcessing(spec string, nin, nout int) (in, out []byte, err error) {
	parts := strings.Split(spec, "/")
	if len(parts) != 2 {
		return nil, nil, fmt.Errorf("bad processing %q", spec)
	}

	expand := func(side string, n int) ([]byte, error) {
		side = strings.TrimSpace(side)
		codes := make([]byte, n)
		for i := 0; i < n; i++ {
			j := i
			if j >= len(side) {
				j = len(side) - 1
			}
			if j < 0 {
				if n == 0 {
					break
				}
				return nil, fmt.Errorf("bad processing %q", spec)
			}
			c := side[j]
			if c != CodePush && c != CodePull && c != CodeAgnostic {
				return nil, fmt.Errorf("bad processing code %q", string(c))
			}
			codes[i] = c
		}
		return codes, nil
	}

	if in, err = expand(parts[0], nin); err != nil {
		return nil, nil, err
	}
	if out, err = expand(parts[1], nout); err != nil {
		return nil, nil, err
	}
	return in, out, nil
}

// flowCode is a parsed FlowCode declaration: one case character per
// port, the last repeating for excess ports. Input i reaches output j
// when their cases match: equal letters match, and '#' matches '#' only
// on the same port number.
type flowCode struct {
	in, out string
}

func parseFlowCode(spec string) (flowCode, error) {
	parts := strings.Split(spec, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return flowCode{}, fmt.Errorf("bad flow code %q", spec)
	}
	for _, side := range parts {
		for i := 0; i < len(side); i++ {
			c := side[i]
			ok := c == '#' ||
				(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
			if !ok {
				return flowCode{}, fmt.Errorf("bad flow code %q", spec)
			}
		}
	}
	return flowCode{in: parts[0], out: parts[1]}, nil
}

func (fc flowCode) caseAt(side string, port int) byte {
	if port >= len(side) {
		return side[len(side)-1]
	}
	return side[port]
}

// connects reports whether input in reaches output out.
func (fc flowCode) connects(in, out int) bool {
	ci, co := fc.caseAt(fc.in, in), fc.caseAt(fc.out, out)
	if ci == '#' || co == '#' {
		return ci == co && in == out
	}
	return ci == co
}
