package imapclient

import (
	"fmt"
	"strconv"
	"strings"
)

// QuotaResource is a resource with usage and limit in a quota root, RFC 2087.
// For STORAGE, values are in units of 1024 bytes.
type QuotaResource struct {
	Name  string
	Usage uint64
	Limit uint64
}

// Quota is a quota root with its resources.
type Quota struct {
	Root      string
	Resources []QuotaResource
}

// GetQuota returns the resources of quota root.
func (s *Session) GetQuota(root string) (Quota, error) {
	if err := s.permit(StateAuthenticated); err != nil {
		return Quota{}, err
	}
	resp, err := s.transact(newCmd("GETQUOTA ").astring(root))
	if err != nil {
		return Quota{}, err
	}
	for _, line := range responseLines(resp.Body) {
		if q, ok := parseQuota(line); ok {
			return q, nil
		}
	}
	return Quota{Root: root}, nil
}

// GetQuotaRoot returns the quota roots of mailbox, with their resources.
func (s *Session) GetQuotaRoot(mailbox string) ([]Quota, error) {
	if err := s.permit(StateAuthenticated); err != nil {
		return nil, err
	}
	resp, err := s.transact(newCmd("GETQUOTAROOT ").astring(EncodeMailbox(mailbox)))
	if err != nil {
		return nil, err
	}
	var roots []Quota
	for _, line := range responseLines(resp.Body) {
		if q, ok := parseQuota(line); ok {
			if i := rootIndex(roots, q.Root); i >= 0 {
				roots[i] = q
			} else {
				roots = append(roots, q)
			}
		} else if hasPrefixFold(line, "* QUOTAROOT ") {
			// Mailbox name, then the roots.
			_, rest := parseAstring(line[len("* QUOTAROOT "):])
			for strings.TrimSpace(rest) != "" {
				root, next := parseAstring(rest)
				if next == rest {
					break
				}
				rest = next
				if rootIndex(roots, root) < 0 {
					roots = append(roots, Quota{Root: root})
				}
			}
		}
	}
	return roots, nil
}

func rootIndex(l []Quota, root string) int {
	for i, q := range l {
		if q.Root == root {
			return i
		}
	}
	return -1
}

// SetQuota sets the limits for resources of quota root. Usage is ignored.
func (s *Session) SetQuota(root string, limits ...QuotaResource) error {
	if err := s.permit(StateAuthenticated); err != nil {
		return err
	}
	l := make([]string, len(limits))
	for i, r := range limits {
		l[i] = fmt.Sprintf("%s %d", strings.ToUpper(r.Name), r.Limit)
	}
	_, err := s.transact(newCmd("SETQUOTA ").astring(root).add(" (%s)", strings.Join(l, " ")))
	return err
}

// parseQuota parses `* QUOTA "" (STORAGE 10 512)`.
func parseQuota(line string) (Quota, bool) {
	if !hasPrefixFold(line, "* QUOTA ") {
		return Quota{}, false
	}
	root, rest := parseAstring(line[len("* QUOTA "):])
	q := Quota{Root: root}
	v, ok := between(rest, "(", ")")
	if !ok {
		return q, true
	}
	t := strings.Fields(v)
	for i := 0; i+2 < len(t); i += 3 {
		usage, err1 := strconv.ParseUint(t[i+1], 10, 64)
		limit, err2 := strconv.ParseUint(t[i+2], 10, 64)
		if err1 != nil || err2 != nil {
			break
		}
		q.Resources = append(q.Resources, QuotaResource{strings.ToUpper(t[i]), usage, limit})
	}
	return q, true
}
