// Package dnsutil provides the small amount of DNS message inspection the proxy needs.
package dnsutil

import (
	"github.com/miekg/dns"
)

// DefaultTTL is the cache lifetime used when an answer carries no records.
const DefaultTTL uint32 = 1

// MinAnswerTTL unpacks buf as a DNS message and returns the smallest TTL
// found in its answer section. The message itself is not modified.
func MinAnswerTTL(buf []byte) (uint32, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(buf); err != nil {
		return 0, err
	}

	if len(msg.Answer) == 0 {
		return DefaultTTL, nil
	}

	minTTL := msg.Answer[0].Header().Ttl
	for _, rr := range msg.Answer[1:] {
		if ttl := rr.Header().Ttl; ttl < minTTL {
			minTTL = ttl
		}
	}

	return minTTL, nil
}
