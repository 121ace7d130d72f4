package dirsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/lightningnetwork/relaydir/build"
	"github.com/lightningnetwork/relaydir/consensus"
	"github.com/lightningnetwork/relaydir/relay"
	"go.uber.org/multierr"
	"golang.org/x/net/proxy"
)

const (
	// FormatConsensus selects a raw consensus document body.
	FormatConsensus = "consensus"

	// FormatOnionoo selects an Onionoo details JSON body.
	FormatOnionoo = "onionoo"

	// DefaultMaxDocumentSize bounds the decoded size of a document.
	DefaultMaxDocumentSize = 64 << 20
)

// Document is the body of a bulk directory request: either a raw consensus
// document or a list of already decoded entries.
type Document struct {
	// Raw holds a consensus document to be parsed.
	Raw []byte

	// Entries holds decoded relays when the document is structured.
	Entries []DecodedEntry
}

// DocumentClient retrieves a directory document in a single request.
type DocumentClient interface {
	FetchDocument(ctx context.Context) (*Document, error)
}

// RemoteConfig configures a RemoteSource.
type RemoteConfig struct {
	// ID overrides the source identifier. Defaults to SourceRemote.
	ID string

	// Client fetches the document.
	Client DocumentClient

	// OnParse observes parse diagnostics of raw documents.
	OnParse ParseObserver
}

// RemoteSource builds the directory from one bulk document download.
type RemoteSource struct {
	cfg RemoteConfig
}

// A compile time assertion to ensure RemoteSource meets the Source interface.
var _ Source = (*RemoteSource)(nil)

// NewRemoteSource creates a remote document source.
func NewRemoteSource(cfg RemoteConfig) *RemoteSource {
	if cfg.ID == "" {
		cfg.ID = SourceRemote
	}

	return &RemoteSource{cfg: cfg}
}

// ID returns the source identifier.
func (s *RemoteSource) ID() string {
	return s.cfg.ID
}

// Fetch implements Source.
func (s *RemoteSource) Fetch(ctx context.Context,
	_ relay.FilterPolicy) ([]relay.Record, error) {

	if s.cfg.Client == nil {
		return nil, errors.New("no document client configured")
	}

	doc, err := s.cfg.Client.FetchDocument(ctx)
	if err != nil {
		return nil, err
	}

	if doc.Raw != nil {
		result, err := consensus.ParseBytes(doc.Raw)
		if err != nil {
			return nil, err
		}
		s.cfg.OnParse.notify(s.cfg.ID, result.Diagnostics)

		return result.Records, nil
	}

	records := make([]relay.Record, 0, len(doc.Entries))
	seen := make(map[string]struct{}, len(doc.Entries))
	var diag consensus.Diagnostics
	for _, e := range doc.Entries {
		if _, ok := seen[e.Fingerprint]; ok {
			log.Debugf("Skipping entry %v (%v): duplicate "+
				"fingerprint", e.Nickname, e.Fingerprint)
			diag.Skipped++
			continue
		}

		record, err := relay.NewRecord(relay.RecordParams{
			Fingerprint: e.Fingerprint,
			Nickname:    e.Nickname,
			Address:     e.Address,
			ORPort:      e.ORPort,
			DirPort:     e.DirPort,
			Flags:       e.Flags,
			Bandwidth:   e.Bandwidth,
			OnionKey:    relay.CanonicalKey(e.OnionKey),
			ExitPolicy:  e.ExitPolicy,
		})
		if err != nil {
			log.Debugf("Skipping entry %v (%v): %v", e.Nickname,
				e.Fingerprint, err)
			diag.Skipped++
			continue
		}

		seen[record.Fingerprint] = struct{}{}
		records = append(records, record)
		diag.Committed++
	}
	s.cfg.OnParse.notify(s.cfg.ID, diag)

	return records, nil
}

// HTTPConfig configures an HTTPDocumentClient.
type HTTPConfig struct {
	// URL is the document location.
	URL string

	// Format is FormatConsensus or FormatOnionoo.
	Format string

	// SOCKSAddr routes the request through a SOCKS5 proxy, usually the
	// Tor SOCKS port.
	SOCKSAddr string

	// DNSServer resolves the mirror host through the given server instead
	// of the system resolver. Ignored when SOCKSAddr is set, since the
	// proxy resolves names itself.
	DNSServer string

	// MaxSize bounds the decoded document size.
	MaxSize int64
}

// HTTPDocumentClient downloads documents over HTTP.
type HTTPDocumentClient struct {
	cfg    HTTPConfig
	client *http.Client
}

// A compile time assertion to ensure HTTPDocumentClient meets the
// DocumentClient interface.
var _ DocumentClient = (*HTTPDocumentClient)(nil)

// NewHTTPDocumentClient creates an HTTP document client.
func NewHTTPDocumentClient(cfg HTTPConfig) (*HTTPDocumentClient, error) {
	switch cfg.Format {
	case "":
		cfg.Format = FormatConsensus

	case FormatConsensus, FormatOnionoo:

	default:
		return nil, fmt.Errorf("unknown document format %q", cfg.Format)
	}
	if cfg.URL == "" {
		return nil, errors.New("no document url configured")
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxDocumentSize
	}

	dial, err := newDialContext(cfg)
	if err != nil {
		return nil, err
	}

	return &HTTPDocumentClient{
		cfg: cfg,
		client: &http.Client{
			Transport: &http.Transport{
				DialContext:         dial,
				TLSHandshakeTimeout: 10 * time.Second,
				DisableCompression:  true,
			},
		},
	}, nil
}

// newDialContext returns the dial function for the configured route.
func newDialContext(cfg HTTPConfig) (func(ctx context.Context, network,
	addr string) (net.Conn, error), error) {

	direct := &net.Dialer{}

	switch {
	case cfg.SOCKSAddr != "":
		d, err := proxy.SOCKS5("tcp", cfg.SOCKSAddr, nil, direct)
		if err != nil {
			return nil, err
		}
		cd, ok := d.(proxy.ContextDialer)
		if !ok {
			return nil, errors.New("socks dialer does not support " +
				"contexts")
		}

		return cd.DialContext, nil

	case cfg.DNSServer != "":
		resolver := &dnsResolver{server: cfg.DNSServer}

		return func(ctx context.Context, network,
			addr string) (net.Conn, error) {

			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}

			var errs error
			for _, ip := range ips {
				conn, err := direct.DialContext(
					ctx, network, net.JoinHostPort(ip, port),
				)
				if err == nil {
					return conn, nil
				}
				errs = multierr.Append(errs, err)
			}

			return nil, errs
		}, nil
	}

	return direct.DialContext, nil
}

// FetchDocument implements DocumentClient.
func (c *HTTPDocumentClient) FetchDocument(ctx context.Context) (*Document,
	error) {

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL,
		nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept-Encoding", acceptEncoding)
	req.Header.Set("User-Agent", "relaydir/"+build.Version())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %v from %v",
			resp.Status, c.cfg.URL)
	}

	body, err := decodeBody(resp.Header.Get("Content-Encoding"), resp.Body)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	// Read one byte past the limit to detect oversized documents.
	data, err := io.ReadAll(io.LimitReader(body, c.cfg.MaxSize+1))
	if err != nil {
		return nil, fmt.Errorf("unable to read document: %w", err)
	}
	if int64(len(data)) > c.cfg.MaxSize {
		return nil, fmt.Errorf("document exceeds %d bytes",
			c.cfg.MaxSize)
	}

	log.Debugf("Downloaded %d byte %v document from %v", len(data),
		c.cfg.Format, c.cfg.URL)

	if c.cfg.Format == FormatOnionoo {
		entries, err := decodeOnionoo(data)
		if err != nil {
			return nil, err
		}

		return &Document{Entries: entries}, nil
	}

	return &Document{Raw: data}, nil
}
