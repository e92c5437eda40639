package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const streamlistTimeout = 15 * time.Second

// streamlistParser accumulates the body of a streamlist response, which
// may arrive in arbitrary chunks. Only lines explicitly terminated by \n
// are consumed; a trailing partial line is buffered and prepended to the
// next chunk.
type streamlistParser struct {
	partial []byte
	mounts  []string
}

func (p *streamlistParser) Write(b []byte) (int, error) {
	p.partial = append(p.partial, b...)
	for {
		idx := bytes.IndexByte(p.partial, '\n')
		if idx < 0 {
			return len(b), nil
		}
		line := strings.TrimSuffix(string(p.partial[:idx]), "\r")
		p.partial = p.partial[idx+1:]
		if line != "" {
			p.mounts = append(p.mounts, line)
		}
	}
}

// Mounts returns the mount paths parsed so far.
func (p *streamlistParser) Mounts() []string { return p.mounts }

// streamlistURL builds the master streamlist URL, switching to https when
// an SSL port is configured.
func streamlistURL(cfg *Config) string {
	proto, port := "http", cfg.MasterServerPort
	if cfg.MasterSSLPort != 0 {
		proto, port = "https", cfg.MasterSSLPort
	}
	return fmt.Sprintf("%s://%s:%d/admin/streamlist.txt", proto, cfg.MasterServer, port)
}

// fetchStreamlist retrieves and parses the master's streamlist. Any
// transport failure or non-200 response discards the whole fetch.
func fetchStreamlist(ctx context.Context, cfg *Config, fetch Fetcher, userAgent string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, streamlistTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamlistURL(cfg), nil)
	if err != nil {
		return nil, errors.Wrap(err, "building streamlist request")
	}
	req.Header.Set("User-Agent", userAgent)
	req.SetBasicAuth(cfg.MasterUsername, cfg.MasterPassword)

	resp, err := fetch.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fetching streamlist")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("failed response from master %q", resp.Status)
	}

	parser := &streamlistParser{}
	if _, err := io.Copy(parser, resp.Body); err != nil {
		return nil, errors.Wrap(err, "reading streamlist body")
	}
	return parser.Mounts(), nil
}

// masterRecords synthesises the desired master relay list from a fetched
// streamlist: every mount relays from the master under the same local
// name, with metadata forwarding on and credentials attached only when
// master_relay_auth says to.
func masterRecords(cfg *Config, mounts []string) []*Record {
	records := make([]*Record, 0, len(mounts))
	for _, mount := range mounts {
		r := &Record{
			LocalMount:    mount,
			UpstreamHost:  cfg.MasterServer,
			UpstreamPort:  cfg.MasterServerPort,
			UpstreamMount: mount,
			SendMetadata:  true,
			OnDemand:      cfg.OnDemand,
			Enabled:       true,
		}
		if cfg.MasterRelayAuth {
			r.Username = cfg.MasterUsername
			r.Password = cfg.MasterPassword
		}
		records = append(records, r)
	}
	return records
}
