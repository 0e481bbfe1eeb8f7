package update

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultCatalogueURL is the public firmware catalogue.
const DefaultCatalogueURL = "https://fw.activelook.net"

// Catalogue is a client of the firmware and configuration catalogue.
type Catalogue struct {
	BaseURL       string
	Token         string
	Compatibility int
	Client        *http.Client
}

// NewCatalogue returns a client for baseURL authenticated by token.
func NewCatalogue(baseURL, token string) *Catalogue {
	if baseURL == "" {
		baseURL = DefaultCatalogueURL
	}
	return &Catalogue{
		BaseURL:       strings.TrimRight(baseURL, "/"),
		Token:         token,
		Compatibility: Compatibility,
		Client:        &http.Client{Timeout: 60 * time.Second},
	}
}

// ConfigVersion identifies a configuration package: the firmware it was
// built for and its revision.
type ConfigVersion struct {
	Firmware Version
	Revision uint32
}

func (c ConfigVersion) String() string {
	return fmt.Sprintf("%s.%d", c.Firmware, c.Revision)
}

type latestResponse struct {
	Latest *struct {
		Version []int `json:"version"`
	} `json:"latest"`
}

// LatestFirmware returns the newest firmware for hardware that is at least
// from. ok is false when the catalogue lists none.
func (c *Catalogue) LatestFirmware(ctx context.Context, hardware string, from Version) (v Version, ok bool, err error) {
	q := url.Values{}
	q.Set("compatibility", fmt.Sprint(c.Compatibility))
	q.Set("min-version", from.String())
	parts, err := c.latest(ctx, "/firmwares/"+url.PathEscape(hardware)+"/"+url.PathEscape(c.Token), q)
	if err != nil || parts == nil {
		return Version{}, false, err
	}
	if len(parts) < 3 {
		return Version{}, false, fmt.Errorf("update: firmware version has %d components", len(parts))
	}
	return Version{parts[0], parts[1], parts[2]}, true, nil
}

// LatestConfiguration returns the newest configuration for hardware built
// for firmware up to upTo.
func (c *Catalogue) LatestConfiguration(ctx context.Context, hardware string, upTo Version) (v ConfigVersion, ok bool, err error) {
	q := url.Values{}
	q.Set("compatibility", fmt.Sprint(c.Compatibility))
	q.Set("max-version", upTo.String())
	parts, err := c.latest(ctx, "/configurations/"+url.PathEscape(hardware)+"/"+url.PathEscape(c.Token), q)
	if err != nil || parts == nil {
		return ConfigVersion{}, false, err
	}
	if len(parts) < 4 || parts[3] < 0 {
		return ConfigVersion{}, false, fmt.Errorf("update: configuration version %v is malformed", parts)
	}
	return ConfigVersion{Firmware: Version{parts[0], parts[1], parts[2]}, Revision: uint32(parts[3])}, true, nil
}

// FirmwarePath is the catalogue path of a firmware image.
func (c *Catalogue) FirmwarePath(hardware string, v Version) string {
	return "/firmwares/" + url.PathEscape(hardware) + "/" + url.PathEscape(c.Token) + "/" + v.String()
}

// ConfigurationPath is the catalogue path of a configuration package.
func (c *Catalogue) ConfigurationPath(hardware string, v ConfigVersion) string {
	return "/configurations/" + url.PathEscape(hardware) + "/" + url.PathEscape(c.Token) + "/" + v.String()
}

func (c *Catalogue) latest(ctx context.Context, path string, q url.Values) ([]int, error) {
	resp, err := c.get(ctx, path+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body latestResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("update: decode catalogue response: %w", err)
	}
	if body.Latest == nil {
		return nil, nil
	}
	return body.Latest.Version, nil
}

// Download streams the file at path into w, reporting progress.
func (c *Catalogue) Download(ctx context.Context, path string, w io.Writer, progress func(done, total int64)) error {
	resp, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	pw := &progressWriter{writer: w, total: resp.ContentLength, report: progress}
	if _, err := io.Copy(pw, resp.Body); err != nil {
		return fmt.Errorf("update: download %s: %w", path, err)
	}
	return nil
}

func (c *Catalogue) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("update: build request: %w", err)
	}
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("update: GET %s: %w", path, err)
	}
	switch {
	case resp.StatusCode == http.StatusForbidden:
		resp.Body.Close()
		return nil, fmt.Errorf("%w: catalogue refused %s", ErrForbidden, path)
	case resp.StatusCode != http.StatusOK:
		resp.Body.Close()
		return nil, fmt.Errorf("update: GET %s: HTTP %d", path, resp.StatusCode)
	}
	return resp, nil
}
