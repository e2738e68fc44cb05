package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// release is the subset of the release metadata payload we consume.
type release struct {
	TagName    string         `json:"tag_name"`
	TarballURL string         `json:"tarball_url"`
	Assets     []releaseAsset `json:"assets"`
}

type releaseAsset struct {
	Name        string `json:"name"`
	DownloadURL string `json:"browser_download_url"`
}

// ReleaseClient fetches release metadata and archives from a GitHub-style
// release host.
type ReleaseClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewReleaseClient creates a client for the given API base URL
// (e.g. https://api.github.com). A token from GITHUB_TOKEN is attached when
// present; public exercise repositories work without one.
func NewReleaseClient(baseURL string, timeout time.Duration) *ReleaseClient {
	return &ReleaseClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      os.Getenv("GITHUB_TOKEN"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ArchiveURL resolves the archive to download for repo at tag. A packaged
// .tar.gz release asset wins over the raw source tarball when both exist.
func (c *ReleaseClient) ArchiveURL(ctx context.Context, repo, tag string) (string, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/releases/tags/%s", c.baseURL, repo, url.PathEscape(tag))

	body, err := c.get(ctx, endpoint)
	if err != nil {
		return "", err
	}

	var rel release
	if err := json.Unmarshal(body, &rel); err != nil {
		return "", fmt.Errorf("parse release metadata: %w", err)
	}

	for _, asset := range rel.Assets {
		if strings.HasSuffix(asset.Name, ".tar.gz") && asset.DownloadURL != "" {
			return asset.DownloadURL, nil
		}
	}
	if rel.TarballURL == "" {
		return "", fmt.Errorf("release %s@%s has no downloadable archive", repo, tag)
	}
	return rel.TarballURL, nil
}

// Download streams the archive at archiveURL into w.
func (c *ReleaseClient) Download(ctx context.Context, archiveURL string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, archiveURL, nil)
	if err != nil {
		return fmt.Errorf("build download request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("download archive: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("archive host returned HTTP %d", resp.StatusCode)
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("stream archive: %w", err)
	}
	return nil
}

func (c *ReleaseClient) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("release host returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func (c *ReleaseClient) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// isTimeout reports whether err stems from a deadline rather than a failure
// of the remote host. The two map to different error codes so the client can
// suggest "try again" vs "check connectivity".
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
