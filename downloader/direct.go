package downloader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Jeffrey0117/tampermonkey-lurl-download/utils"
)

const browserUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// cdnReferers maps CDN host suffixes to the referer each vendor's
// hotlink protection expects. Different CDNs validate against different
// origins; a host not listed here gets its own origin as referer.
var cdnReferers = []struct {
	hostSuffix string
	referer    string
}{
	{"lurl.cc", "https://lurl.cc/"},
	{"myppt.cc", "https://myppt.cc/"},
	{"reurl.cc", "https://reurl.cc/"},
}

type strategy struct {
	name    string
	referer string
	cookies string
}

// Direct is the stateless multi-strategy HTTP downloader. Strategies run
// cheapest-to-most-specific: cookie plus canonical referer when cookies
// were captured, canonical referer alone, then the share page URL as
// referer. First 2xx wins.
type Direct struct {
	client *http.Client
}

// NewDirect builds a Direct downloader with a shared HTTP client.
func NewDirect() *Direct {
	return &Direct{
		client: &http.Client{Timeout: 2 * time.Minute},
	}
}

// Fetch tries each strategy in order, streaming the first successful
// response body to job.Dest. Exhausting all strategies returns
// ErrAllStrategiesFailed; no partial file is left behind.
func (d *Direct) Fetch(ctx context.Context, job Job) error {
	canonical := canonicalReferer(job.FileURL)

	var strategies []strategy
	if job.Cookies != "" {
		strategies = append(strategies, strategy{name: "cookie+canonical", referer: canonical, cookies: job.Cookies})
	}
	strategies = append(strategies,
		strategy{name: "canonical", referer: canonical},
		strategy{name: "page-referer", referer: job.PageURL},
	)

	var lastErr error
	for _, st := range strategies {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := d.tryStrategy(ctx, job, st)
		if err == nil {
			if utils.Sugar != nil {
				utils.Sugar.Infof("direct fetch ok record=%s strategy=%s", job.RecordID, st.name)
			}
			return nil
		}
		lastErr = err
		if utils.Sugar != nil {
			utils.Sugar.Debugf("direct fetch miss record=%s strategy=%s err=%v", job.RecordID, st.name, err)
		}
	}

	if lastErr != nil {
		return fmt.Errorf("%w: %v", ErrAllStrategiesFailed, lastErr)
	}
	return ErrAllStrategiesFailed
}

func (d *Direct) tryStrategy(ctx context.Context, job Job, st strategy) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, job.FileURL, nil)
	if err != nil {
		return err
	}

	req.Header.Set("User-Agent", browserUA)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "zh-TW,zh;q=0.9,en;q=0.8")
	req.Header.Set("Range", "bytes=0-")
	req.Header.Set("Sec-Fetch-Site", "same-site")
	req.Header.Set("Sec-Fetch-Mode", "no-cors")
	req.Header.Set("Sec-Fetch-Dest", destHint(job.Dest))
	if st.referer != "" {
		req.Header.Set("Referer", st.referer)
		if origin := originOf(st.referer); origin != "" {
			req.Header.Set("Origin", origin)
		}
	}
	if st.cookies != "" {
		req.Header.Set("Cookie", st.cookies)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	return streamTo(job.Dest, resp.Body)
}

// streamTo writes the body through a .part file renamed on success, so
// a connection dropped mid-transfer never leaves a half file at Dest.
func streamTo(dest string, body io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	part := dest + ".part"
	f, err := os.Create(part)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(part)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(part)
		return err
	}
	return os.Rename(part, dest)
}

// canonicalReferer picks the referer the file URL's CDN expects,
// falling back to the URL's own origin for unknown hosts.
func canonicalReferer(fileURL string) string {
	u, err := url.Parse(fileURL)
	if err != nil || u.Host == "" {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	for _, c := range cdnReferers {
		if host == c.hostSuffix || strings.HasSuffix(host, "."+c.hostSuffix) {
			return c.referer
		}
	}
	return u.Scheme + "://" + u.Host + "/"
}

func originOf(referer string) string {
	u, err := url.Parse(referer)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func destHint(dest string) string {
	switch strings.ToLower(filepath.Ext(dest)) {
	case ".mp4", ".webm", ".mov", ".m4v":
		return "video"
	default:
		return "image"
	}
}
