// Package infoproto implements the info request/response codec from
// spec.md §4.G/§6: a request is a newline-delimited list of field names,
// a response is a sequence of "name<TAB>value<LF>" records. Parsing
// tolerates trailing data and a missing final LF.
package infoproto

import (
	"net"
	"strings"
)

// EncodeRequest builds the wire form of an info request for the given
// field names.
func EncodeRequest(names ...string) []byte {
	var b strings.Builder
	for _, n := range names {
		b.WriteString(n)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// ParseResponse parses a "name\tvalue\n..." response into a map. A
// trailing record with no terminating LF is still parsed; any name with no
// separating tab is ignored rather than treated as an error, since the
// spec requires tolerance of malformed trailing data over strictness.
func ParseResponse(data []byte) map[string]string {
	out := make(map[string]string)
	s := string(data)
	for _, line := range strings.Split(s, "\n") {
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, '\t')
		if idx < 0 {
			continue
		}
		name := line[:idx]
		value := line[idx+1:]
		// Strip a trailing CR some wire captures include.
		value = strings.TrimSuffix(value, "\r")
		out[name] = value
	}
	return out
}

// ParseReplicas parses a "namespace:partition-id;namespace:partition-id;…"
// replicas-read/replicas-write field value into namespace -> partition ids.
func ParseReplicas(value string) map[string][]int {
	out := make(map[string][]int)
	if value == "" {
		return out
	}
	for _, entry := range strings.Split(value, ";") {
		if entry == "" {
			continue
		}
		idx := strings.LastIndexByte(entry, ':')
		if idx < 0 {
			continue
		}
		ns := entry[:idx]
		idStr := entry[idx+1:]
		id := 0
		for _, c := range idStr {
			if c < '0' || c > '9' {
				id = -1
				break
			}
			id = id*10 + int(c-'0')
		}
		if id < 0 {
			continue
		}
		out[ns] = append(out[ns], id)
	}
	return out
}

// ParseServices parses a "host:port;host:port;…" services field value.
// Entries whose host is not a literal IP address (a DNS name, or an entry
// with no port) are dropped without a log line — the original Aerospike
// client only accepts dotted-quad literals here too (spec.md §9 open
// question), and nodekv preserves that.
func ParseServices(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, entry := range strings.Split(value, ";") {
		if entry == "" {
			continue
		}
		host, _, err := net.SplitHostPort(entry)
		if err != nil || net.ParseIP(host) == nil {
			continue
		}
		out = append(out, entry)
	}
	return out
}
