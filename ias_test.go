package sgx_sp

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testQuote() []byte {
	q := make([]byte, QUOTE_MIN_SIZE+64)
	for i := range q {
		q[i] = byte(i)
	}
	return q
}

func testIAS(t *testing.T, handler http.HandlerFunc) *IAS {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	vk, err := testVerdictKey(t).VerificationKey()
	require.NoError(t, err)
	ias := NewIAS(false, "subscription-key", vk, map[string][]string{
		"GROUP_OUT_OF_DATE": {"INTEL-SA-00161"},
	})
	ias.baseURL = srv.URL
	ias.client = srv.Client()
	return ias
}

// writeReport answers like IAS: a JSON report and its signature header.
func writeReport(t *testing.T, w http.ResponseWriter, report *Report) {
	body, err := json.Marshal(report)
	require.NoError(t, err)
	sig, err := testVerdictKey(t).Sign(body, rand.Reader)
	require.NoError(t, err)
	w.Header().Set(iasSignatureHeader, base64.StdEncoding.EncodeToString(sig))
	w.Write(body)
}

func reportFor(q []byte, status string, advisories ...string) *Report {
	return &Report{
		ID:                    "1",
		Version:               4,
		IsvEnclaveQuoteStatus: status,
		IsvEnclaveQuoteBody:   base64.StdEncoding.EncodeToString(q[:QUOTE_BODY_SIZE]),
		AdvisoryIDs:           advisories,
	}
}

func TestIASRevocationList(t *testing.T) {
	ias := testIAS(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/attestation/v4/sigrl/04030201", r.URL.Path)
		assert.Equal(t, "subscription-key", r.Header.Get(iasSubscriptionKey))
		w.Write([]byte(base64.StdEncoding.EncodeToString([]byte("revoked"))))
	})

	sigRl, err := ias.GetRevocationList(context.Background(), []byte{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, []byte("revoked"), sigRl)

	_, err = ias.GetRevocationList(context.Background(), []byte{1})
	assert.Error(t, err)
}

func TestIASEmptyRevocationList(t *testing.T) {
	ias := testIAS(t, func(w http.ResponseWriter, r *http.Request) {})
	sigRl, err := ias.GetRevocationList(context.Background(), []byte{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Empty(t, sigRl)
}

func TestIASVerifyQuote(t *testing.T) {
	q := testQuote()
	ias := testIAS(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/attestation/v4/report", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "subscription-key", r.Header.Get(iasSubscriptionKey))

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, base64.StdEncoding.EncodeToString(q), req["isvEnclaveQuote"])

		writeReport(t, w, reportFor(q, "OK"))
	})

	report, err := ias.VerifyQuote(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, "OK", report.IsvEnclaveQuoteStatus)
}

func TestIASQuoteStatus(t *testing.T) {
	cases := []struct {
		name   string
		report func(q []byte) *Report
		ok     bool
	}{
		{"ok", func(q []byte) *Report { return reportFor(q, "OK") }, true},
		{"allowed advisory", func(q []byte) *Report { return reportFor(q, "GROUP_OUT_OF_DATE", "INTEL-SA-00161") }, true},
		{"other advisory", func(q []byte) *Report { return reportFor(q, "GROUP_OUT_OF_DATE", "INTEL-SA-00161", "INTEL-SA-00233") }, false},
		{"status not allowed", func(q []byte) *Report { return reportFor(q, "CONFIGURATION_NEEDED") }, false},
		{"revoked", func(q []byte) *Report { return reportFor(q, "GROUP_REVOKED") }, false},
		{"report for another quote", func(q []byte) *Report {
			other := testQuote()
			other[0] ^= 1
			return reportFor(other, "OK")
		}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := testQuote()
			ias := testIAS(t, func(w http.ResponseWriter, r *http.Request) {
				writeReport(t, w, tc.report(q))
			})
			_, err := ias.VerifyQuote(context.Background(), q)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestIASReportSignature(t *testing.T) {
	q := testQuote()
	cases := map[string]func(w http.ResponseWriter){
		"missing signature": func(w http.ResponseWriter) {
			body, _ := json.Marshal(reportFor(q, "OK"))
			w.Write(body)
		},
		"signature over other body": func(w http.ResponseWriter) {
			body, _ := json.Marshal(reportFor(q, "GROUP_REVOKED"))
			sig, _ := testVerdictKey(t).Sign(body, rand.Reader)
			w.Header().Set(iasSignatureHeader, base64.StdEncoding.EncodeToString(sig))
			body, _ = json.Marshal(reportFor(q, "OK"))
			w.Write(body)
		},
		"not base64": func(w http.ResponseWriter) {
			w.Header().Set(iasSignatureHeader, "***")
			body, _ := json.Marshal(reportFor(q, "OK"))
			w.Write(body)
		},
	}
	for name, respond := range cases {
		t.Run(name, func(t *testing.T) {
			ias := testIAS(t, func(w http.ResponseWriter, r *http.Request) { respond(w) })
			_, err := ias.VerifyQuote(context.Background(), q)
			assert.ErrorIs(t, err, errIASReportSignature)
		})
	}
}

func TestIASHTTPError(t *testing.T) {
	ias := testIAS(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	_, err := ias.VerifyQuote(context.Background(), testQuote())
	assert.ErrorContains(t, err, "401")
	_, err = ias.GetRevocationList(context.Background(), []byte{1, 2, 3, 4})
	assert.ErrorContains(t, err, "401")
}

func TestIASShortQuote(t *testing.T) {
	ias := testIAS(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	_, err := ias.VerifyQuote(context.Background(), make([]byte, QUOTE_MIN_SIZE-1))
	assert.Error(t, err)
}

func TestIASHosts(t *testing.T) {
	assert.Equal(t, DEBUG_IAS_URL, NewIAS(false, "", nil, nil).baseURL)
	assert.Equal(t, IAS_URL, NewIAS(true, "", nil, nil).baseURL)
}

func TestInsecureVerifier(t *testing.T) {
	v := &InsecureVerifier{}
	sigRl, err := v.GetRevocationList(context.Background(), []byte{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Empty(t, sigRl)

	report, err := v.VerifyQuote(context.Background(), testQuote())
	require.NoError(t, err)
	assert.Equal(t, "OK", report.IsvEnclaveQuoteStatus)

	_, err = v.VerifyQuote(context.Background(), []byte{1})
	assert.Error(t, err)
}
