package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"

	"github.com/mattjoyce/depositd/internal/fsutil"
	"github.com/mattjoyce/depositd/internal/sword"
)

// ErrPermanent marks a fetch failure that retrying cannot fix.
var ErrPermanent = errors.New("permanent fetch failure")

const fallbackName = "download"

// Fetcher retrieves one content URL into dir and returns the written file's path.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL, dir string) (string, error)
}

// HTTPFetcher fetches content over HTTP(S).
type HTTPFetcher struct {
	Client *http.Client
}

func (f HTTPFetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return http.DefaultClient
}

// Fetch names the file from the response's Content-Disposition, falling back
// to the last segment of the URL path.
func (f HTTPFetcher) Fetch(ctx context.Context, rawURL, dir string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("%w: unsupported url %q", ErrPermanent, rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	resp, err := f.client().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		err := fmt.Errorf("GET %s: status %d", rawURL, resp.StatusCode)
		if resp.StatusCode < 500 && resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests {
			return "", fmt.Errorf("%w: %v", ErrPermanent, err)
		}
		return "", err
	}

	dest := filepath.Join(dir, fileName(resp.Header.Get("Content-Disposition"), u))
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o660)
	if err != nil {
		return "", fmt.Errorf("create %q: %w", dest, err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		_ = out.Close()
		_ = os.Remove(dest)
		return "", fmt.Errorf("read body of %s: %w", rawURL, err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close %q: %w", dest, err)
	}
	return dest, nil
}

func fileName(disposition string, u *url.URL) string {
	if disposition != "" {
		if name, err := sword.ParseContentDisposition(disposition); err == nil {
			if name = filepath.Base(name); fsutil.SafeName(name) {
				return name
			}
		}
	}
	if name := path.Base(u.Path); fsutil.SafeName(name) {
		return name
	}
	return fallbackName
}
