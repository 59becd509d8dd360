package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fruitsalade/pomelo/pkg/protocol"
	"github.com/fruitsalade/pomelo/pkg/retry"
)

func testClient(baseURL string) *Client {
	return New(Config{
		BaseURL:  baseURL,
		ClientID: "test",
		RetryConfig: retry.Config{
			MaxAttempts: 3,
			InitialWait: time.Millisecond,
			MaxWait:     5 * time.Millisecond,
			Multiplier:  2,
		},
	})
}

// opaqueReader hides the Seek method of the underlying reader.
type opaqueReader struct{ io.Reader }

func TestUploadBlockResendsBodyOnRetry(t *testing.T) {
	payload := []byte("0123456789")

	cases := []struct {
		name string
		data func() io.Reader
	}{
		{"seeker", func() io.Reader { return bytes.NewReader(payload) }},
		{"plain reader", func() io.Reader { return opaqueReader{bytes.NewReader(payload)} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var attempts int
			var bodies [][]byte
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				body, err := io.ReadAll(r.Body)
				if err != nil {
					t.Errorf("reading request body: %v", err)
				}
				attempts++
				bodies = append(bodies, body)
				if attempts == 1 {
					w.WriteHeader(http.StatusInternalServerError)
					return
				}
				w.WriteHeader(http.StatusOK)
			}))
			defer srv.Close()

			c := testClient(srv.URL)
			link := protocol.UploadLink{Index: 1, URL: srv.URL + "/block", Token: "tok"}
			err := c.UploadBlock(context.Background(), link, tc.data(), int64(len(payload)))
			if err != nil {
				t.Fatalf("UploadBlock: %v", err)
			}
			if attempts != 2 {
				t.Fatalf("attempts = %d, want 2", attempts)
			}
			if !bytes.Equal(bodies[1], payload) {
				t.Errorf("retried body = %q, want %q", bodies[1], payload)
			}
		})
	}
}
