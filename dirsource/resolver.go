package dirsource

import (
	"context"
	"fmt"
	"net"

	"github.com/miekg/dns"
)

// dnsResolver resolves host names by querying a fixed DNS server over TCP,
// bypassing the system resolver.
type dnsResolver struct {
	// server is the host:port of the DNS server.
	server string
}

// LookupHost returns the IPv4 addresses of a host, or its IPv6 addresses if
// it has no A records. IP literals are returned as is.
func (r *dnsResolver) LookupHost(ctx context.Context,
	host string) ([]string, error) {

	if ip := net.ParseIP(host); ip != nil {
		return []string{host}, nil
	}

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		addrs, err := r.query(ctx, host, qtype)
		if err != nil {
			return nil, err
		}
		if len(addrs) > 0 {
			return addrs, nil
		}
	}

	return nil, fmt.Errorf("no addresses found for %v", host)
}

// query sends a single question over a fresh TCP connection.
func (r *dnsResolver) query(ctx context.Context, host string,
	qtype uint16) ([]string, error) {

	log.Tracef("Querying %v for %v %v", r.server, host,
		dns.TypeToString[qtype])

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", r.server)
	if err != nil {
		return nil, err
	}

	dnsConn := &dns.Conn{Conn: conn}
	defer dnsConn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, err
		}
	}

	// With the connection established, we'll craft our query, write the
	// request, then wait for the server to give our response.
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	if err := dnsConn.WriteMsg(msg); err != nil {
		return nil, err
	}
	resp, err := dnsConn.ReadMsg()
	if err != nil {
		return nil, err
	}

	// If the message response code was not the success code, fail.
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("unsuccessful %v lookup for %v: %v",
			dns.TypeToString[qtype], host,
			dns.RcodeToString[resp.Rcode])
	}

	var addrs []string
	for _, rr := range resp.Answer {
		switch rec := rr.(type) {
		case *dns.A:
			addrs = append(addrs, rec.A.String())

		case *dns.AAAA:
			addrs = append(addrs, rec.AAAA.String())
		}
	}

	return addrs, nil
}
