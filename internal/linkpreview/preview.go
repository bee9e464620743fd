// Package linkpreview pulls OpenGraph metadata for the first link in a chat
// message so clients can render a card under it.
package linkpreview

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"syscall"
	"time"

	"golang.org/x/net/html"

	"wardrelay/internal/protocol"
)

const (
	defaultTimeout = 4 * time.Second
	// Only the <head> matters.
	maxBody      = 256 * 1024
	maxRedirects = 3
	userAgent    = "wardrelay-linkpreview/1.0"
)

var urlPattern = regexp.MustCompile(`https?://[^\s<>"]+`)

// ErrBlockedAddress is returned when a link resolves to a loopback, private
// or link-local address and private targets are not allowed.
var ErrBlockedAddress = errors.New("link resolves to a non-public address")

// FirstURL returns the first http(s) URL in text, or "".
func FirstURL(text string) string {
	return urlPattern.FindString(text)
}

// Options tune a Fetcher. Zero values pick the defaults.
type Options struct {
	Timeout time.Duration
	// AllowPrivate permits links that resolve inside the local network.
	AllowPrivate bool
}

// Fetcher fetches pages and extracts preview metadata.
type Fetcher struct {
	client  *http.Client
	timeout time.Duration
}

// New builds a Fetcher. Unless opts.AllowPrivate is set, connections to
// non-public addresses are refused at dial time, after DNS resolution.
func New(opts Options) *Fetcher {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	dialer := &net.Dialer{Timeout: timeout}
	if !opts.AllowPrivate {
		dialer.Control = func(_, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			ip := net.ParseIP(host)
			if ip == nil || !publicIP(ip) {
				return fmt.Errorf("%w: %s", ErrBlockedAddress, host)
			}
			return nil
		}
	}

	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		MaxIdleConns:          4,
		IdleConnTimeout:       30 * time.Second,
	}

	return &Fetcher{
		timeout: timeout,
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
	}
}

func publicIP(ip net.IP) bool {
	return !(ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast())
}

// Fetch retrieves rawURL and extracts its preview. Non-HTML responses yield a
// preview carrying only the URL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (protocol.LinkPreview, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return protocol.LinkPreview{}, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := f.client.Do(req)
	if err != nil {
		return protocol.LinkPreview{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return protocol.LinkPreview{}, fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	ct := resp.Header.Get("Content-Type")
	if !strings.Contains(ct, "text/html") && !strings.Contains(ct, "application/xhtml") {
		return protocol.LinkPreview{URL: rawURL}, nil
	}
	return Parse(rawURL, io.LimitReader(resp.Body, maxBody))
}

// Parse reads HTML from r and extracts OpenGraph tags, falling back to
// <title> and the description meta tag. Parsing stops at <body>.
func Parse(rawURL string, r io.Reader) (protocol.LinkPreview, error) {
	lp := protocol.LinkPreview{URL: rawURL}
	z := html.NewTokenizer(r)
	var inTitle bool
	var title strings.Builder

	finish := func() (protocol.LinkPreview, error) {
		if lp.Title == "" {
			lp.Title = strings.TrimSpace(title.String())
		}
		return lp, nil
	}

	for {
		switch z.Next() {
		case html.ErrorToken:
			return finish()

		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := z.TagName()
			switch string(tn) {
			case "title":
				inTitle = true
			case "body":
				return finish()
			case "meta":
				if hasAttr {
					readMeta(z, &lp)
				}
			}

		case html.TextToken:
			if inTitle {
				title.Write(z.Text())
			}

		case html.EndTagToken:
			if tn, _ := z.TagName(); string(tn) == "title" {
				inTitle = false
			}
		}
	}
}

func readMeta(z *html.Tokenizer, lp *protocol.LinkPreview) {
	var property, name, content string
	for {
		key, val, more := z.TagAttr()
		switch string(key) {
		case "property":
			property = string(val)
		case "name":
			name = string(val)
		case "content":
			content = string(val)
		}
		if !more {
			break
		}
	}
	if content == "" {
		return
	}

	switch property {
	case "og:title":
		lp.Title = content
	case "og:description":
		lp.Description = content
	case "og:image":
		lp.Image = content
	case "og:site_name":
		lp.SiteName = content
	}
	if name == "description" && lp.Description == "" {
		lp.Description = content
	}
}
