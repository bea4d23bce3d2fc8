package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/austindbirch/jobhook/internal/config"
	"github.com/austindbirch/jobhook/internal/delivery"
	"github.com/austindbirch/jobhook/internal/logging"
)

func testReceiver(c config.FakeReceiver) *receiver {
	l := logging.New("fake-receiver-test")
	l.SetOutput(io.Discard)
	return newReceiver(c, config.Delivery{
		SignatureHeader: delivery.DefaultSignatureHeader,
		TimestampHeader: delivery.DefaultTimestampHeader,
	}, l)
}

func post(rc *receiver, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/hook", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	rc.handleHook(rec, req)
	return rec
}

func TestHandleHook_FailFirstN(t *testing.T) {
	tests := []struct {
		name  string
		cfg   config.FakeReceiver
		codes []int
	}{
		{name: "never fails", cfg: config.FakeReceiver{}, codes: []int{200, 200}},
		{name: "fails twice with default status", cfg: config.FakeReceiver{FailFirstN: 2}, codes: []int{500, 500, 200}},
		{name: "fails with configured status", cfg: config.FakeReceiver{FailFirstN: 1, FailStatus: 503}, codes: []int{503, 200}},
		{name: "non-error fail status falls back to 500", cfg: config.FakeReceiver{FailFirstN: 1, FailStatus: 200}, codes: []int{500, 200}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := testReceiver(tt.cfg)
			for i, want := range tt.codes {
				if got := post(rc, `{"jobId":"j"}`, nil).Code; got != want {
					t.Errorf("request %d status = %d, want %d", i+1, got, want)
				}
			}
		})
	}
}

func TestHandleHook_Signature(t *testing.T) {
	rc := testReceiver(config.FakeReceiver{EndpointSecret: "s3cret", SigningLeewaySeconds: 300})
	now := time.Unix(1_700_000_000, 0)
	rc.now = func() time.Time { return now }

	body := `{"jobId":"j"}`
	ts := strconv.FormatInt(now.Unix(), 10)
	stale := strconv.FormatInt(now.Add(-10*time.Minute).Unix(), 10)

	tests := []struct {
		name    string
		headers map[string]string
		want    int
	}{
		{
			name: "valid",
			headers: map[string]string{
				delivery.DefaultTimestampHeader: ts,
				delivery.DefaultSignatureHeader: delivery.Signature([]byte("s3cret"), []byte(body), ts),
			},
			want: http.StatusOK,
		},
		{name: "missing", headers: nil, want: http.StatusUnauthorized},
		{
			name: "wrong secret",
			headers: map[string]string{
				delivery.DefaultTimestampHeader: ts,
				delivery.DefaultSignatureHeader: delivery.Signature([]byte("other"), []byte(body), ts),
			},
			want: http.StatusUnauthorized,
		},
		{
			name: "stale timestamp",
			headers: map[string]string{
				delivery.DefaultTimestampHeader: stale,
				delivery.DefaultSignatureHeader: delivery.Signature([]byte("s3cret"), []byte(body), stale),
			},
			want: http.StatusUnauthorized,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := post(rc, body, tt.headers).Code; got != tt.want {
				t.Errorf("status = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestHandleHook_SignedByExecutorSigner(t *testing.T) {
	rc := testReceiver(config.FakeReceiver{EndpointSecret: "shared", SigningLeewaySeconds: 60})
	srv := httptest.NewServer(http.HandlerFunc(rc.handleHook))
	defer srv.Close()

	body := []byte(`{"jobId":"j","state":"completed"}`)
	req, _ := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(string(body)))
	delivery.NewSigner("shared", "", "").Sign(req, body)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is longer", 4, "this..."},
		{"", 3, ""},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
