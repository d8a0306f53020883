package sgx_sp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/kwonalbert/sgx_sp/signature"
)

// QuoteVerifier is the SP's view of the attestation service: it supplies
// the signature revocation list for msg2 and judges the quote in msg3.
type QuoteVerifier interface {
	GetRevocationList(ctx context.Context, gid []byte) ([]byte, error)

	VerifyQuote(ctx context.Context, quote []byte) (*Report, error)
}

// Report is an IAS attestation verification report (API v4).
type Report struct {
	ID                    string   `json:"id"`
	Timestamp             string   `json:"timestamp"`
	Version               int      `json:"version"`
	IsvEnclaveQuoteStatus string   `json:"isvEnclaveQuoteStatus"`
	IsvEnclaveQuoteBody   string   `json:"isvEnclaveQuoteBody"`
	AdvisoryIDs           []string `json:"advisoryIDs,omitempty"`
	PlatformInfoBlob      string   `json:"platformInfoBlob,omitempty"`
	Nonce                 string   `json:"nonce,omitempty"`
}

const DEBUG_IAS_URL = "https://api.trustedservices.intel.com/sgx/dev" // dev
const IAS_URL = "https://api.trustedservices.intel.com/sgx"           // production

const (
	iasAPIPath          = "/attestation/v4"
	iasSubscriptionKey  = "Ocp-Apim-Subscription-Key"
	iasSignatureHeader  = "X-IASReport-Signature"
	iasQuoteStatusOK    = "OK"
	maxIASResponseBytes = 1 << 20
)

var errIASReportSignature = errors.New("IAS report signature invalid")

type IAS struct {
	release bool
	baseURL string

	subscription      string
	reportKey         *signature.VerificationKey
	allowedAdvisories map[string][]string

	client *http.Client
}

func NewIAS(release bool, subscription string, reportKey *signature.VerificationKey, allowedAdvisories map[string][]string) *IAS {
	baseURL := DEBUG_IAS_URL
	if release {
		baseURL = IAS_URL
	}
	return &IAS{
		release:           release,
		baseURL:           baseURL,
		subscription:      subscription,
		reportKey:         reportKey,
		allowedAdvisories: allowedAdvisories,
		client:            http.DefaultClient,
	}
}

func (ias *IAS) do(req *http.Request) ([]byte, http.Header, error) {
	req.Header.Set(iasSubscriptionKey, ias.subscription)
	resp, err := ias.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("calling IAS: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxIASResponseBytes))
	if err != nil {
		return nil, nil, fmt.Errorf("reading IAS response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("IAS returned status %d", resp.StatusCode)
	}
	return body, resp.Header, nil
}

// GetRevocationList fetches the SigRL of an EPID group. gid is as sent in
// msg1, little endian.
func (ias *IAS) GetRevocationList(ctx context.Context, gid []byte) ([]byte, error) {
	if len(gid) != EPID_GID_SIZE {
		return nil, fmt.Errorf("bad group id length %d", len(gid))
	}
	be := concat(gid)
	reverse(be)

	url := fmt.Sprintf("%s%s/sigrl/%s", ias.baseURL, iasAPIPath, hex.EncodeToString(be))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("could not initialize request: %w", err)
	}
	body, _, err := ias.do(req)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, nil
	}
	sigRl, err := base64.StdEncoding.DecodeString(string(body))
	if err != nil {
		return nil, fmt.Errorf("could not decode SigRL: %w", err)
	}
	return sigRl, nil
}

func (ias *IAS) VerifyQuote(ctx context.Context, q []byte) (*Report, error) {
	if len(q) < QUOTE_MIN_SIZE {
		return nil, fmt.Errorf("quote too short: %d bytes", len(q))
	}
	payload, err := json.Marshal(map[string]string{
		"isvEnclaveQuote": base64.StdEncoding.EncodeToString(q),
	})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s%s/report", ias.baseURL, iasAPIPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("could not initialize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	body, header, err := ias.do(req)
	if err != nil {
		return nil, err
	}

	if err := ias.checkSignature(body, header.Get(iasSignatureHeader)); err != nil {
		return nil, err
	}

	report := &Report{}
	if err := json.Unmarshal(body, report); err != nil {
		return nil, fmt.Errorf("could not parse IAS report: %w", err)
	}
	if report.IsvEnclaveQuoteBody != base64.StdEncoding.EncodeToString(quote(q).body()) {
		return nil, errors.New("IAS report is for a different quote")
	}
	if err := ias.checkStatus(report); err != nil {
		return nil, err
	}
	return report, nil
}

func (ias *IAS) checkSignature(body []byte, header string) error {
	if ias.reportKey == nil {
		return fmt.Errorf("%w: no report key configured", errIASReportSignature)
	}
	sig, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return fmt.Errorf("%w: %v", errIASReportSignature, err)
	}
	if err := ias.reportKey.Verify(body, sig); err != nil {
		return fmt.Errorf("%w: %w", errIASReportSignature, err)
	}
	return nil
}

// checkStatus accepts OK, and any other status only if every advisory the
// report names is allowed for that status.
func (ias *IAS) checkStatus(report *Report) error {
	status := report.IsvEnclaveQuoteStatus
	if status == iasQuoteStatusOK {
		return nil
	}
	allowed, ok := ias.allowedAdvisories[status]
	if !ok {
		return fmt.Errorf("quote status %s", status)
	}
	set := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		set[a] = true
	}
	for _, a := range report.AdvisoryIDs {
		if !set[a] {
			return fmt.Errorf("quote status %s with advisory %s", status, a)
		}
	}
	return nil
}

// InsecureVerifier accepts every quote. It exists for development against
// simulated enclaves and must never be used in production.
type InsecureVerifier struct {
	Log *slog.Logger
}

func (v *InsecureVerifier) GetRevocationList(ctx context.Context, gid []byte) ([]byte, error) {
	return nil, nil
}

func (v *InsecureVerifier) VerifyQuote(ctx context.Context, q []byte) (*Report, error) {
	if len(q) < QUOTE_MIN_SIZE {
		return nil, fmt.Errorf("quote too short: %d bytes", len(q))
	}
	if v.Log != nil {
		v.Log.Warn("Skipping IAS quote verification")
	}
	return &Report{
		IsvEnclaveQuoteStatus: iasQuoteStatusOK,
		IsvEnclaveQuoteBody:   base64.StdEncoding.EncodeToString(quote(q).body()),
	}, nil
}
