package reputation

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const downloadURLFormat = "https://download.maxmind.com/geoip/databases/%s/download?suffix=tar.gz"

// DefaultEdition is the free ASN edition. GeoIP2-Anonymous-IP needs a paid licence.
const DefaultEdition = "GeoLite2-ASN"

// Downloader fetches a MaxMind database edition into a directory
type Downloader struct {
	AccountID  string
	LicenseKey string
	Edition    string
	DataDir    string
	URL        string
}

// DatabaseStatus describes the local database file
type DatabaseStatus struct {
	Exists       bool      `json:"exists"`
	Path         string    `json:"path"`
	Edition      string    `json:"edition"`
	FileSize     int64     `json:"file_size"`
	LastModified time.Time `json:"last_modified"`
}

// NewDownloader creates a Downloader for edition, defaulting to GeoLite2-ASN
func NewDownloader(accountID, licenseKey, edition, dataDir string) *Downloader {
	if edition == "" {
		edition = DefaultEdition
	}
	return &Downloader{
		AccountID:  accountID,
		LicenseKey: licenseKey,
		Edition:    edition,
		DataDir:    dataDir,
		URL:        fmt.Sprintf(downloadURLFormat, edition),
	}
}

// Path is where the extracted database is stored
func (d *Downloader) Path() string {
	return filepath.Join(d.DataDir, d.Edition+".mmdb")
}

// Download fetches the archive and atomically replaces the local database
func (d *Downloader) Download(ctx context.Context) error {
	if d.AccountID == "" || d.LicenseKey == "" {
		return errors.New("maxmind credentials not configured")
	}

	client := &http.Client{Timeout: 5 * time.Minute}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(d.AccountID, d.LicenseKey)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed with status: %s", resp.Status)
	}

	tmpFile, err := os.CreateTemp(d.DataDir, "maxmind-*.tar.gz")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	_, err = io.Copy(tmpFile, resp.Body)
	tmpFile.Close()
	if err != nil {
		return fmt.Errorf("failed to save download: %w", err)
	}

	extracted, err := d.extract(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to extract database: %w", err)
	}

	if err := os.Rename(extracted, d.Path()); err != nil {
		os.Remove(extracted)
		return fmt.Errorf("failed to move database: %w", err)
	}
	return nil
}

// extract writes the first .mmdb entry of the archive next to the final path
func (d *Downloader) extract(archivePath string) (string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return "", err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		if !strings.HasSuffix(header.Name, ".mmdb") {
			continue
		}

		outPath := d.Path() + ".tmp"
		out, err := os.Create(outPath)
		if err != nil {
			return "", err
		}
		_, err = io.Copy(out, tr)
		out.Close()
		if err != nil {
			os.Remove(outPath)
			return "", err
		}
		return outPath, nil
	}

	return "", errors.New("no .mmdb file found in archive")
}

// Status reports on the local database file
func (d *Downloader) Status() DatabaseStatus {
	path := d.Path()
	info, err := os.Stat(path)
	if err != nil {
		return DatabaseStatus{Path: path, Edition: d.Edition}
	}
	return DatabaseStatus{
		Exists:       true,
		Path:         path,
		Edition:      d.Edition,
		FileSize:     info.Size(),
		LastModified: info.ModTime(),
	}
}
