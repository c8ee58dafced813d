// Package health holds the blocking probes conditions use to look at a
// supervised service from the outside.
package health

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
)

// DefaultTimeout bounds a probe when the caller sets none.
const DefaultTimeout = 60 * time.Second

// HTTPConfig describes one HTTP request.
type HTTPConfig struct {
	Host    string
	Port    int
	Path    string
	SSL     bool
	CAFile  string
	Headers map[string]string
	Timeout time.Duration
}

// URL returns the address the request is sent to. Port 443 implies TLS.
func (c HTTPConfig) URL() string {
	scheme := "http"
	if c.SSL || c.Port == 443 {
		scheme = "https"
	}
	path := c.Path
	if path == "" {
		path = "/"
	}
	port := c.Port
	if port == 0 {
		port = 80
	}
	return fmt.Sprintf("%s://%s%s", scheme, net.JoinHostPort(c.Host, fmt.Sprint(port)), path)
}

// HTTPStatus performs a GET and returns the response code. Without a CA file
// TLS certificates are not verified.
func HTTPStatus(ctx context.Context, cfg HTTPConfig) (int, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	tlsCfg := &tls.Config{InsecureSkipVerify: true}
	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return 0, fmt.Errorf("reading ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return 0, fmt.Errorf("ca file %s: %w", cfg.CAFile, io.ErrUnexpectedEOF)
		}
		tlsCfg = &tls.Config{RootCAs: pool}
	}
	client := &http.Client{
		Timeout:   timeout,
		Transport: &http.Transport{TLSClientConfig: tlsCfg},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.URL(), nil)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	for k, v := range cfg.Headers {
		if http.CanonicalHeaderKey(k) == "Host" {
			req.Host = v
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// FailureReason names a failed probe in a few characters, for history lines.
func FailureReason(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return "Refused"
	case errors.Is(err, syscall.ECONNRESET):
		return "Reset"
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return "EOF"
	case errors.Is(err, context.DeadlineExceeded):
		return "Timeout"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "Timeout"
	case errors.Is(err, syscall.ETIMEDOUT):
		return "Timedout"
	}
	return "Error"
}

// Dial reports whether something accepts connections on addr. Network is
// "tcp" or "unix".
func Dial(ctx context.Context, network, addr string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return fmt.Errorf("%s connect failed: %w", network, err)
	}
	conn.Close()
	return nil
}

// Exec runs command through sh and returns nil when it exits zero.
func Exec(ctx context.Context, command string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("command failed: %w", err)
	}
	return nil
}

// DiskUsage returns the used percentage of the filesystem holding path.
func DiskUsage(ctx context.Context, path string) (float64, error) {
	st, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("disk usage of %s: %w", path, err)
	}
	return st.UsedPercent, nil
}

// FileAge returns how long ago path was last modified.
func FileAge(path string, now time.Time) (time.Duration, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return now.Sub(info.ModTime()), nil
}
