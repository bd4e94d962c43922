package watchdog

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/miekg/dns"
	"github.com/veilcompute/ephemeral-session-backend/interfaces"
)

// RosterEntry pairs a validator identity with the endpoint its remote
// attestor should call.
type RosterEntry struct {
	Member   interfaces.MemberID
	Endpoint string
}

// RosterResolver discovers watchdog validator endpoints. Implementations may
// use DNS service discovery or a static configuration.
type RosterResolver interface {
	Resolve() ([]RosterEntry, error)
}

// StaticRoster resolves to a fixed set of entries.
type StaticRoster []RosterEntry

// Resolve implements RosterResolver.
func (s StaticRoster) Resolve() ([]RosterEntry, error) {
	out := make([]RosterEntry, len(s))
	copy(out, s)
	return out, nil
}

// DNSRoster resolves validator endpoints from DNS SRV records. Each SRV
// target is expected to carry the validator identity as its first label,
// hex-encoded: <40-hex-member-id>.<host>.<domain>.
type DNSRoster struct {
	// Domain is the SRV name queried, e.g. _watchdog._tcp.session.example.org.
	Domain string

	// Resolver is the DNS server address. Defaults to the local stub
	// resolver when empty.
	Resolver string

	// Scheme prefixes resolved endpoints, defaults to https.
	Scheme string
}

// Resolve implements RosterResolver by querying SRV records for the domain
// and extracting validator identities from the target labels. Targets that
// do not carry a parseable identity are skipped.
func (d *DNSRoster) Resolve() ([]RosterEntry, error) {
	resolver := d.Resolver
	if resolver == "" {
		resolver = "127.0.0.53:53"
	}
	scheme := d.Scheme
	if scheme == "" {
		scheme = "https"
	}

	m1 := new(dns.Msg)
	m1.Id = dns.Id()
	m1.RecursionDesired = true
	m1.Question = make([]dns.Question, 1)
	m1.Question[0] = dns.Question{Name: dns.Fqdn(d.Domain), Qtype: dns.TypeSRV, Qclass: dns.ClassINET}

	c := new(dns.Client)
	in, _, err := c.Exchange(m1, resolver)
	if err != nil {
		return nil, fmt.Errorf("resolving watchdog roster %s: %w", d.Domain, err)
	}

	entries := make([]RosterEntry, 0, len(in.Answer))
	for _, answer := range in.Answer {
		srv, ok := answer.(*dns.SRV)
		if !ok {
			continue
		}

		member, err := memberFromTarget(srv.Target)
		if err != nil {
			continue
		}

		entries = append(entries, RosterEntry{
			Member:   member,
			Endpoint: fmt.Sprintf("%s://%s:%d", scheme, strings.TrimSuffix(srv.Target, "."), srv.Port),
		})
	}

	return entries, nil
}

// memberFromTarget parses the validator identity out of the first label of
// an SRV target name.
func memberFromTarget(target string) (interfaces.MemberID, error) {
	var member interfaces.MemberID
	label, _, found := strings.Cut(target, ".")
	if !found {
		label = target
	}

	raw, err := hex.DecodeString(strings.TrimPrefix(label, "0x"))
	if err != nil {
		return member, fmt.Errorf("target label is not a member id: %w", err)
	}
	if len(raw) != len(member) {
		return member, fmt.Errorf("target label has %d bytes, want %d", len(raw), len(member))
	}
	copy(member[:], raw)
	return member, nil
}
