/*
Package main implements dohproxy, a DNS over HTTPS (RFC 8484) proxy.

dohproxy accepts DoH requests on /dns-query, forwards the raw DNS query to a
single upstream resolver over UDP and returns the answer unmodified. The
Cache-Control max-age of every answer is the smallest TTL in its answer
section, 1 when the section is empty.

Requests pass a middleware chain before reaching the upstream:

 1. Recovery - Panic recovery
 2. Metrics - Prometheus request counters and latency histogram
 3. AccessLog - Common Log Format access log
 4. AccessList - CIDR based client access control
 5. RateLimit - Per client request rate limiting
 6. Forwarder - DoH request validation and upstream exchange

TLS is terminated with a PKCS#12 identity, HTTP/2 is negotiated through ALPN
and an optional HTTP/3 listener shares the same identity.

Usage:

	dohproxy --server -l :443 -u 1.1.1.1:53 -i server.p12 -p secret
	dohproxy --server --no-https -l 127.0.0.1:8053 -u [2606:4700:4700::1111]:53
	dohproxy --server -c dohproxy.toml

Flags given on the command line override the config file.
*/
package main
