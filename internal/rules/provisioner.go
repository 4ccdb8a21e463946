// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package rules

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"grimm.is/tunwall/internal/errors"
	"grimm.is/tunwall/internal/logging"
	"grimm.is/tunwall/internal/scheduler"
)

// DeviceHeader identifies the device on feed requests.
const DeviceHeader = "X-Tunwall-Device"

// maxFeedSize bounds the feed response body.
const maxFeedSize = 8 << 20

// FeedConfig describes the remote rule feed.
type FeedConfig struct {
	URL        string
	Passphrase string
	Salt       string
	DeviceID   string
	Timeout    time.Duration
}

type feedRequest struct {
	DeviceID  string `json:"device_id"`
	Timestamp int64  `json:"timestamp"`
}

type feedResponse struct {
	EncryptedResult string `json:"encrypted_result"`
}

// Provisioner fetches the encrypted grid from the feed and installs it.
// Local rules, if any, are merged under every fetched grid.
type Provisioner struct {
	cfg    FeedConfig
	key    []byte
	client *http.Client
	table  *Table
	base   *Grid
	logger *logging.Logger
}

// NewProvisioner derives the feed key and returns a provisioner that installs
// into table. base holds locally configured rules and may be nil.
func NewProvisioner(cfg FeedConfig, table *Table, base *Grid, logger *logging.Logger) (*Provisioner, error) {
	if cfg.URL == "" {
		return nil, errors.New(errors.KindValidation, "rule feed url is required")
	}
	if cfg.Passphrase == "" {
		return nil, errors.New(errors.KindValidation, "rule feed passphrase is required")
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = uuid.New().String()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Provisioner{
		cfg:    cfg,
		key:    DeriveKey(cfg.Passphrase, []byte(cfg.Salt)),
		client: &http.Client{Timeout: cfg.Timeout},
		table:  table,
		base:   base,
		logger: logger.WithComponent("rules"),
	}, nil
}

// DeviceID returns the identity sent with feed requests.
func (p *Provisioner) DeviceID() string { return p.cfg.DeviceID }

// Fetch downloads and decrypts the current grid.
func (p *Provisioner) Fetch(ctx context.Context) (*Grid, error) {
	body, err := json.Marshal(feedRequest{DeviceID: p.cfg.DeviceID, Timestamp: time.Now().Unix()})
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "encode feed request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "build feed request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(DeviceHeader, p.cfg.DeviceID)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "rule feed request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Attr(errors.Errorf(errors.KindUnavailable, "rule feed returned %s", resp.Status), "status", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedSize))
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "read rule feed")
	}
	var fr feedResponse
	if err := json.Unmarshal(raw, &fr); err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "decode rule feed")
	}
	sealed, err := base64.StdEncoding.DecodeString(fr.EncryptedResult)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "decode rule feed payload")
	}
	plain, err := Open(p.key, sealed)
	if err != nil {
		return nil, err
	}
	return ParseJSON(plain)
}

// Refresh fetches, compiles and installs the feed. On any failure the
// installed rules are left as they are.
func (p *Provisioner) Refresh(ctx context.Context) error {
	g, err := p.Fetch(ctx)
	if err != nil {
		return err
	}
	merged := NewGrid()
	merged.Merge(p.base)
	merged.Merge(g)

	snap, err := Compile(merged, p.cfg.URL)
	if err != nil {
		return err
	}
	p.table.Store(snap)
	return nil
}

// Task wraps Refresh as a scheduler task that runs on start, repeats on
// schedule and retries failures with backoff.
func (p *Provisioner) Task(schedule scheduler.Schedule, retry scheduler.RetrySchedule) *scheduler.Task {
	return &scheduler.Task{
		ID:          "rules-refresh",
		Name:        "Rule Refresh",
		Description: "Fetch the rule grid from the feed",
		Schedule:    schedule,
		Retry:       retry,
		Enabled:     true,
		RunOnStart:  true,
		Timeout:     p.cfg.Timeout,
		Func:        p.Refresh,
	}
}
