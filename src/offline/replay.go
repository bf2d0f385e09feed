package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maguey/src/admissions"
	"maguey/src/errs"
	"maguey/src/models"
	"maguey/src/utils"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ProcessorReplayer replays straight into an in-process scan processor.
// Stored scans may be printed pass codes and are decoded first.
type ProcessorReplayer struct {
	Processor *admissions.Processor
}

func (p ProcessorReplayer) Replay(ctx context.Context, scan models.OfflineScan) (*Verdict, error) {
	operator := scan.OperatorID
	if operator == "" {
		operator = scan.DeviceID
	}
	res, err := p.Processor.Process(ctx, admissions.ScanRequest{
		Token:          utils.ScannedToken(scan.Token),
		OperatorID:     operator,
		DeviceID:       scan.DeviceID,
		ScannedAt:      scan.LocalTimestamp,
		IdempotencyKey: scan.IdempotencyKey(),
	})
	if err != nil {
		if errs.Retryable(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", errs.ErrSyncFailure, err)
	}
	return &Verdict{Outcome: string(res.Outcome), Reason: res.Reason}, nil
}

// HTTPReplayer posts buffered scans to the admission API.
type HTTPReplayer struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewHTTPReplayer(baseURL, token string, timeout time.Duration) *HTTPReplayer {
	return &HTTPReplayer{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: timeout},
	}
}

// scanPayload sends the stored text as a code; the server decodes printed
// pass codes and takes anything else as a bare token.
type scanPayload struct {
	Code           string    `json:"code"`
	DeviceID       string    `json:"device_id"`
	ScannedAt      time.Time `json:"scanned_at"`
	IdempotencyKey string    `json:"idempotency_key"`
}

func (h *HTTPReplayer) Replay(ctx context.Context, scan models.OfflineScan) (*Verdict, error) {
	body, err := json.Marshal(scanPayload{
		Code:           scan.Token,
		DeviceID:       scan.DeviceID,
		ScannedAt:      scan.LocalTimestamp,
		IdempotencyKey: scan.IdempotencyKey(),
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.BaseURL+"/api/v1/scans", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}

	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrSyncFailure, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errs.ErrSyncFailure, err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := gjson.GetBytes(raw, "error").String()
		if msg == "" {
			msg = resp.Status
		}
		return nil, fmt.Errorf("%w: server answered %d: %s", errs.ErrSyncFailure, resp.StatusCode, msg)
	}
	outcome := gjson.GetBytes(raw, "outcome")
	if !outcome.Exists() {
		return nil, fmt.Errorf("%w: response has no outcome", errs.ErrSyncFailure)
	}
	return &Verdict{Outcome: outcome.String(), Reason: gjson.GetBytes(raw, "reason").String()}, nil
}

// IsSyncFailure reports whether err came from an undeliverable replay.
func IsSyncFailure(err error) bool {
	return errors.Is(err, errs.ErrSyncFailure)
}
