package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/foxiles/pkg/artifacts"
	"github.com/Mindburn-Labs/foxiles/pkg/container"
	"github.com/Mindburn-Labs/foxiles/pkg/custody"
	"github.com/Mindburn-Labs/foxiles/pkg/kms"
	"github.com/Mindburn-Labs/foxiles/pkg/ledger"
	"github.com/Mindburn-Labs/foxiles/pkg/release"
	"github.com/Mindburn-Labs/foxiles/pkg/retry"
	"github.com/Mindburn-Labs/foxiles/pkg/tamper"
	"github.com/Mindburn-Labs/foxiles/pkg/watcher"
)

const (
	seller      = "SellerWallet"
	fingerprint = "viewer-install-42"
)

type harness struct {
	ts     *httptest.Server
	ledger *ledger.Memory
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, 1<<20, false)
}

func newHarnessWith(t *testing.T, maxUpload int64, dev bool) *harness {
	t.Helper()
	keys, err := kms.NewEphemeralKMS()
	require.NoError(t, err)
	secret, err := keys.SigningSecret("tickets")
	require.NoError(t, err)
	tickets, err := release.NewTickets(secret, time.Minute)
	require.NoError(t, err)
	t.Cleanup(tickets.Close)

	l := ledger.NewMemory()
	store := artifacts.NewMemoryStore()
	records := custody.NewMemoryStore()
	coord, err := release.New(release.Config{
		Keys:      keys,
		Custody:   records,
		Artifacts: store,
		Watcher: watcher.New(l, nil, watcher.Config{
			PollInterval: 20 * time.Millisecond,
			Backoff:      retry.BackoffPolicy{BaseMs: 5, MaxMs: 20},
		}),
		Tickets:          tickets,
		PurchaseDeadline: 3 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(coord.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	var devLedger *ledger.Memory
	if dev {
		devLedger = l
	}
	srv := NewServer(Config{
		Coordinator:     coord,
		Custody:         records,
		Artifacts:       store,
		RateLimitPerSec: 1000,
		RateLimitBurst:  1000,
		MaxUploadBytes:  maxUpload,
		BaseContext:     ctx,
		DevLedger:       devLedger,
	})
	t.Cleanup(srv.Close)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &harness{ts: ts, ledger: l}
}

func (h *harness) do(t *testing.T, method, path string, body any, hdr map[string]string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.ts.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := h.ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (h *harness) upload(t *testing.T, data []byte, rules *container.RuleSet) uploadResponse {
	t.Helper()
	resp := h.do(t, http.MethodPost, "/v1/files?return_key=true", uploadRequest{
		OwnerIdentity:   "uploader",
		ContentKind:     "application/pdf",
		DRMRules:        rules,
		Fingerprint:     fingerprint,
		PriceMinorUnits: 250_000_000,
		ReceiverAddress: seller,
		Data:            data,
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decode[uploadResponse](t, resp)
}

// buy opens a purchase, pays it on the ledger and polls until a ticket shows up.
func (h *harness) buy(t *testing.T, up uploadResponse) purchaseResponse {
	t.Helper()
	resp := h.do(t, http.MethodPost, "/v1/purchases", purchaseRequest{TrackingID: up.TrackingID}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	p := decode[purchaseResponse](t, resp)
	assert.Equal(t, "watching", p.State)
	require.NotEmpty(t, p.PurchaseSecret)

	h.ledger.Post(ledger.Transfer{Signature: "sig-" + p.Reference, Destination: seller, AmountMinorUnits: p.AmountMinorUnits, Memo: p.Reference})

	var got purchaseResponse
	require.Eventually(t, func() bool {
		got = decode[purchaseResponse](t, h.do(t, http.MethodGet, "/v1/purchases/"+p.Reference, nil, secretHeader(p)))
		return got.State == "confirmed"
	}, 3*time.Second, 20*time.Millisecond)
	require.NotEmpty(t, got.Ticket)
	assert.Empty(t, got.PurchaseSecret, "secret is only returned when the purchase opens")
	got.PurchaseSecret = p.PurchaseSecret
	return got
}

func secretHeader(p purchaseResponse) map[string]string {
	return map[string]string{HeaderPurchaseSecret: p.PurchaseSecret}
}

func TestHealth(t *testing.T) {
	h := newHarness(t)
	resp := h.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestUploadPurchaseRelease(t *testing.T) {
	h := newHarness(t)
	plaintext := []byte("the paid content")
	up := h.upload(t, plaintext, nil)
	assert.Len(t, up.EncryptionKey, 32)
	assert.Equal(t, container.DefaultRules(), up.Metadata.DRMRules)

	meta := h.do(t, http.MethodGet, "/v1/files/"+up.TrackingID.String()+"/metadata", nil, nil)
	require.Equal(t, http.StatusOK, meta.StatusCode)
	m := decode[container.Metadata](t, meta)
	assert.Equal(t, up.TrackingID, m.TrackingID)
	assert.Equal(t, "application", m.ContentKind)

	p := h.buy(t, up)
	assert.Equal(t, "sig-"+p.Reference, p.Signature)
	assert.Contains(t, p.PaymentURL, "amount=0.25")
	assert.Contains(t, p.PaymentURL, "memo="+p.Reference)

	resp := h.do(t, http.MethodPost, "/v1/release", releaseRequest{Ticket: p.Ticket},
		map[string]string{tamper.HeaderFingerprint: fingerprint})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "released", resp.Header.Get(HeaderReleaseState))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, plaintext, body)

	again := h.do(t, http.MethodPost, "/v1/release", releaseRequest{Ticket: p.Ticket},
		map[string]string{tamper.HeaderFingerprint: fingerprint})
	assert.Equal(t, http.StatusGone, again.StatusCode)
	assert.Equal(t, "application/problem+json", again.Header.Get("Content-Type"))
}

func TestRelease_DestroyedOnFingerprintMismatch(t *testing.T) {
	h := newHarness(t)
	up := h.upload(t, []byte("content"), &container.RuleSet{})
	p := h.buy(t, up)

	resp := h.do(t, http.MethodPost, "/v1/release", releaseRequest{Ticket: p.Ticket},
		map[string]string{tamper.HeaderFingerprint: "someone-elses-device"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "destroyed", resp.Header.Get(HeaderReleaseState))
	assert.Equal(t, tamper.ReasonFingerprintMismatch, resp.Header.Get(HeaderReleaseReason))
	body, _ := io.ReadAll(resp.Body)
	assert.Empty(t, body)
}

func TestRelease_DestroyedThroughProxy(t *testing.T) {
	h := newHarness(t)
	up := h.upload(t, []byte("content"), &container.RuleSet{BlockNetworkRelay: true})
	p := h.buy(t, up)

	resp := h.do(t, http.MethodPost, "/v1/release", releaseRequest{Ticket: p.Ticket}, map[string]string{
		tamper.HeaderFingerprint: fingerprint,
		"Via":                    "1.1 relay.example",
	})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, tamper.ReasonRuleViolated, resp.Header.Get(HeaderReleaseReason))
}

func TestRelease_BadTicket(t *testing.T) {
	h := newHarness(t)
	resp := h.do(t, http.MethodPost, "/v1/release", releaseRequest{Ticket: "not.a.jwt"}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	problem := decode[ProblemDetail](t, resp)
	assert.Equal(t, http.StatusForbidden, problem.Status)
	assert.Equal(t, "/v1/release", problem.Instance)

	resp = h.do(t, http.MethodPost, "/v1/release", map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPurchase_CancelAndUnknown(t *testing.T) {
	h := newHarness(t)
	up := h.upload(t, []byte("content"), nil)

	p := decode[purchaseResponse](t, h.do(t, http.MethodPost, "/v1/purchases", purchaseRequest{TrackingID: up.TrackingID}, nil))
	assert.Equal(t, http.StatusForbidden, h.do(t, http.MethodDelete, "/v1/purchases/"+p.Reference, nil, nil).StatusCode)

	resp := h.do(t, http.MethodDelete, "/v1/purchases/"+p.Reference, nil, secretHeader(p))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decode[purchaseResponse](t, resp)
	assert.Equal(t, "errored", got.State)
	assert.Equal(t, watcher.ReasonCancelled, got.Reason)
	assert.Empty(t, got.Ticket)

	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodGet, "/v1/purchases/nope", nil, nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, h.do(t, http.MethodDelete, "/v1/purchases/nope", nil, nil).StatusCode)
}

func TestPurchase_ReferenceAloneIsNotEnough(t *testing.T) {
	h := newHarness(t)
	plaintext := []byte("paid content")
	up := h.upload(t, plaintext, &container.RuleSet{})

	resp := h.do(t, http.MethodPost, "/v1/purchases", purchaseRequest{TrackingID: up.TrackingID}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	p := decode[purchaseResponse](t, resp)
	h.ledger.Post(ledger.Transfer{Signature: "sig-1", Destination: seller, AmountMinorUnits: p.AmountMinorUnits, Memo: p.Reference})

	// Anyone watching the receiver sees the memo on-chain.
	transfers, err := h.ledger.RecentTransfers(context.Background(), seller, 10)
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	memo := transfers[0].Memo

	require.Eventually(t, func() bool {
		return decode[purchaseResponse](t, h.do(t, http.MethodGet, "/v1/purchases/"+p.Reference, nil, secretHeader(p))).State == "confirmed"
	}, 3*time.Second, 20*time.Millisecond)

	for _, hdr := range []map[string]string{nil, {HeaderPurchaseSecret: "guess"}} {
		resp = h.do(t, http.MethodGet, "/v1/purchases/"+memo, nil, hdr)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Equal(t, http.StatusForbidden, decode[ProblemDetail](t, resp).Status)
	}

	got := decode[purchaseResponse](t, h.do(t, http.MethodGet, "/v1/purchases/"+p.Reference, nil, secretHeader(p)))
	require.NotEmpty(t, got.Ticket)
	resp = h.do(t, http.MethodPost, "/v1/release", releaseRequest{Ticket: got.Ticket},
		map[string]string{tamper.HeaderFingerprint: fingerprint})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, plaintext, body)

	after := decode[purchaseResponse](t, h.do(t, http.MethodGet, "/v1/purchases/"+p.Reference, nil, secretHeader(p)))
	assert.True(t, after.Redeemed)
	assert.Empty(t, after.Ticket, "no second ticket after redemption")
}

func TestPurchase_NotForSale(t *testing.T) {
	h := newHarness(t)
	resp := h.do(t, http.MethodPost, "/v1/files", uploadRequest{
		OwnerIdentity: "uploader", Fingerprint: fingerprint, Data: []byte("free"),
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	up := decode[uploadResponse](t, resp)
	assert.Nil(t, up.EncryptionKey, "key only returned on request")

	resp = h.do(t, http.MethodPost, "/v1/purchases", purchaseRequest{TrackingID: up.TrackingID}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestUpload_Validation(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name string
		body any
	}{
		{"no owner", uploadRequest{Fingerprint: fingerprint, Data: []byte("x")}},
		{"no fingerprint", uploadRequest{OwnerIdentity: "o", Data: []byte("x")}},
		{"not json", "plain string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.do(t, http.MethodPost, "/v1/files", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	big := uploadRequest{OwnerIdentity: "o", Fingerprint: fingerprint, Data: make([]byte, 2<<20)}
	assert.Equal(t, http.StatusRequestEntityTooLarge, h.do(t, http.MethodPost, "/v1/files", big, nil).StatusCode)
}

func TestUpload_Multipart(t *testing.T) {
	h := newHarness(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("ownerIdentity", "uploader"))
	require.NoError(t, mw.WriteField("drmRules", "blockLocalCopy"))
	require.NoError(t, mw.WriteField("priceMinorUnits", "1000"))
	require.NoError(t, mw.WriteField("receiverAddress", seller))
	fw, err := mw.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, _ = fw.Write([]byte("multipart content"))
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, h.ts.URL+"/v1/files", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(tamper.HeaderFingerprint, fingerprint)
	resp, err := h.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	up := decode[uploadResponse](t, resp)
	assert.Equal(t, container.RuleSet{BlockLocalCopy: true}, up.Metadata.DRMRules)
	assert.Equal(t, container.Fingerprint(fingerprint), up.Metadata.OriginalFingerprint)

	list := h.do(t, http.MethodGet, "/v1/owners/uploader/files", nil, nil)
	require.Equal(t, http.StatusOK, list.StatusCode)
	files := decode[[]fileSummary](t, list)
	require.Len(t, files, 1)
	assert.Equal(t, up.TrackingID, files[0].TrackingID)
	assert.Equal(t, uint64(1000), files[0].PriceMinorUnits)
}

func TestUpload_MultipartLeavesNoTempFiles(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)
	h := newHarnessWith(t, 16<<20, false)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("ownerIdentity", "uploader"))
	require.NoError(t, mw.WriteField("fingerprint", fingerprint))
	fw, err := mw.CreateFormFile("file", "large.bin")
	require.NoError(t, err)
	_, err = fw.Write(bytes.Repeat([]byte{0x5A}, 10<<20))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req, err := http.NewRequest(http.MethodPost, h.ts.URL+"/v1/files", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := h.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), "multipart-")
	}
}

func TestFiles_NotFoundAndBadID(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, http.StatusBadRequest, h.do(t, http.MethodGet, "/v1/files/xyz/metadata", nil, nil).StatusCode)
	assert.Equal(t, http.StatusNotFound,
		h.do(t, http.MethodGet, "/v1/files/8c1f0f8e-8d6b-4d8e-9a53-0f5c2b1d2e3f/container", nil, nil).StatusCode)
}

func TestDevTransfers_PayPurchase(t *testing.T) {
	h := newHarnessWith(t, 1<<20, true)
	plaintext := []byte("dev mode content")
	up := h.upload(t, plaintext, &container.RuleSet{})

	p := decode[purchaseResponse](t, h.do(t, http.MethodPost, "/v1/purchases", purchaseRequest{TrackingID: up.TrackingID}, nil))

	resp := h.do(t, http.MethodPost, "/dev/transfers", devTransferRequest{Destination: seller}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.do(t, http.MethodPost, "/dev/transfers", devTransferRequest{
		Destination:      seller,
		AmountMinorUnits: p.AmountMinorUnits,
		Memo:             p.Reference,
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	posted := decode[devTransferResponse](t, resp)
	assert.NotEmpty(t, posted.Signature)
	assert.NotZero(t, posted.Slot)

	var got purchaseResponse
	require.Eventually(t, func() bool {
		got = decode[purchaseResponse](t, h.do(t, http.MethodGet, "/v1/purchases/"+p.Reference, nil, secretHeader(p)))
		return got.State == "confirmed"
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, posted.Signature, got.Signature)

	resp = h.do(t, http.MethodPost, "/v1/release", releaseRequest{Ticket: got.Ticket},
		map[string]string{tamper.HeaderFingerprint: fingerprint})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, plaintext, body)
}

func TestDevTransfers_NotRoutedByDefault(t *testing.T) {
	h := newHarness(t)
	resp := h.do(t, http.MethodPost, "/dev/transfers", devTransferRequest{Destination: seller, AmountMinorUnits: 1}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	transfers, err := h.ledger.RecentTransfers(context.Background(), seller, 10)
	require.NoError(t, err)
	assert.Empty(t, transfers)
}

func TestPaymentURL(t *testing.T) {
	assert.Equal(t, "solana:R?amount=1&label=foxiles&memo=abc", PaymentURL("R", 1_000_000_000, "abc"))
	assert.Equal(t, "0.000000001", formatSOL(1))
	assert.Equal(t, "2.5", formatSOL(2_500_000_000))
}
