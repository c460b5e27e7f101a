package agent

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"edgeonboard/internal/model"
)

// ErrNotClaimed is returned while the operator has not yet claimed the
// device; the agent keeps polling for its token.
var ErrNotClaimed = errors.New("device not yet claimed")

// Client talks to the fleet server. Bootstrap calls go out over the server's
// plain TLS surface; once enrolled, UseDeviceIdentity switches the device
// channel to mutual TLS with the issued certificate.
type Client struct {
	logger       *slog.Logger
	baseURL      string
	deviceURL    string
	httpClient   *http.Client
	deviceClient *http.Client
}

// NewClient creates a fleet client. caPEM pins the fleet root for the
// bootstrap surface; pass nil before the root has been fetched.
func NewClient(logger *slog.Logger, baseURL, deviceURL string, caPEM []byte) (*Client, error) {
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caPEM != nil {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("fleet CA PEM did not parse")
		}
		tlsCfg.RootCAs = pool
	} else {
		// First contact: the root is not pinned yet, FetchCA trusts the
		// connection once and every later call verifies against the result.
		tlsCfg.InsecureSkipVerify = true
	}

	return &Client{
		logger:    logger,
		baseURL:   baseURL,
		deviceURL: deviceURL,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
		},
	}, nil
}

// UseDeviceIdentity configures the mutual-TLS client for the device channel.
func (c *Client) UseDeviceIdentity(cert tls.Certificate, caPEM []byte) error {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return fmt.Errorf("fleet CA PEM did not parse")
	}
	c.deviceClient = &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{TLSClientConfig: &tls.Config{
			MinVersion:   tls.VersionTLS12,
			RootCAs:      pool,
			Certificates: []tls.Certificate{cert},
		}},
	}
	return nil
}

// FetchCA retrieves the fleet root certificate for pinning.
func (c *Client) FetchCA(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/ca", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch fleet CA: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fleet server returned status %d for CA fetch", resp.StatusCode)
	}
	pem, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read fleet CA: %w", err)
	}
	return pem, nil
}

// Hello announces the device to the fleet. Safe to repeat.
func (c *Client) Hello(ctx context.Context, deviceID, pairingCode string) error {
	body := map[string]string{"device_id": deviceID, "pairing_code": pairingCode}
	resp, err := c.post(ctx, c.httpClient, c.baseURL+"/v1/hello", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return statusError("hello", resp)
	}
	return nil
}

// FetchToken exchanges the hello pair for the enrollment token once the
// operator has claimed the device.
func (c *Client) FetchToken(ctx context.Context, deviceID, pairingCode string) (string, error) {
	body := map[string]string{"device_id": deviceID, "pairing_code": pairingCode}
	resp, err := c.post(ctx, c.httpClient, c.baseURL+"/v1/enroll/token", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusConflict:
		return "", ErrNotClaimed
	default:
		return "", statusError("token fetch", resp)
	}

	var out struct {
		EnrollmentToken string `json:"enrollment_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if out.EnrollmentToken == "" {
		return "", fmt.Errorf("fleet server returned an empty enrollment token")
	}
	return out.EnrollmentToken, nil
}

// SubmitCSR sends the certificate request and returns the issued client
// certificate and the fleet root, both PEM.
func (c *Client) SubmitCSR(ctx context.Context, deviceID, token string, csrPEM []byte) (certPEM, caPEM []byte, err error) {
	body := map[string]string{
		"device_id":        deviceID,
		"enrollment_token": token,
		"csr":              string(csrPEM),
	}
	resp, err := c.post(ctx, c.httpClient, c.baseURL+"/v1/enroll/csr", body)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, statusError("enrollment", resp)
	}

	var out struct {
		Certificate   string `json:"certificate"`
		CACertificate string `json:"ca_certificate"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, nil, fmt.Errorf("failed to decode enrollment response: %w", err)
	}
	return []byte(out.Certificate), []byte(out.CACertificate), nil
}

// Heartbeat reports liveness and the current inventory snapshot.
func (c *Client) Heartbeat(ctx context.Context, deviceID string, inventory json.RawMessage) error {
	body := map[string]any{"device_id": deviceID, "inventory": inventory}
	resp, err := c.post(ctx, c.deviceClient, c.deviceURL+"/v1/device/heartbeat", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError("heartbeat", resp)
	}
	return nil
}

// AssignedTask is one unit of work handed out by a poll.
type AssignedTask struct {
	ID      int64           `json:"id"`
	Type    model.TaskType  `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Poll fetches the next page of tasks; returned tasks are already marked
// running on the server.
func (c *Client) Poll(ctx context.Context, deviceID string) ([]AssignedTask, error) {
	body := map[string]string{"device_id": deviceID}
	resp, err := c.post(ctx, c.deviceClient, c.deviceURL+"/v1/device/poll", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("poll", resp)
	}

	var out struct {
		Tasks []AssignedTask `json:"tasks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode poll response: %w", err)
	}
	return out.Tasks, nil
}

// Report posts the terminal status for a task.
func (c *Client) Report(ctx context.Context, deviceID string, taskID int64, status model.TaskStatus, result json.RawMessage) error {
	body := map[string]any{
		"device_id": deviceID,
		"task_id":   taskID,
		"status":    status,
		"result":    result,
	}
	resp, err := c.post(ctx, c.deviceClient, c.deviceURL+"/v1/device/report", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError("report", resp)
	}
	return nil
}

func (c *Client) post(ctx context.Context, client *http.Client, url string, body any) (*http.Response, error) {
	if client == nil {
		return nil, fmt.Errorf("device channel not configured; enroll first")
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	return resp, nil
}

func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("%s failed: fleet server returned status %d: %s",
		op, resp.StatusCode, bytes.TrimSpace(body))
}
