package relay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arc-self/posttroll/addressreceiver"
)

func TestWebhookNotifierSignsPayload(t *testing.T) {
	secret := "s3cret"

	var mu sync.Mutex
	var gotSig string
	var gotBody []byte

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotSig = r.Header.Get("X-Posttroll-Signature")
		gotBody = body
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := NewWebhookNotifier([]string{srv.URL}, secret, nil)
	w.handle(addressreceiver.ChangeEvent{
		Type:          addressreceiver.EventRegister,
		Advertisement: addressreceiver.Advertisement{Address: "tcp://host:9000", Name: "alpha"},
	})

	// Dispatch happens synchronously within handle, but give the httptest
	// server's goroutine a moment to record the request.
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, gotBody)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	want := hex.EncodeToString(mac.Sum(nil))
	assert.Equal(t, want, gotSig)

	var payload addressEvent
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Equal(t, "register", payload.Event)
	assert.Equal(t, "tcp://host:9000", payload.Address)
}

func TestWebhookNotifierNon2xxIsLoggedNotPanicked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	w := NewWebhookNotifier([]string{srv.URL}, "secret", nil)
	require.NotPanics(t, func() {
		w.handle(addressreceiver.ChangeEvent{
			Type:          addressreceiver.EventEvict,
			Advertisement: addressreceiver.Advertisement{Address: "tcp://host:9000", Name: "alpha"},
		})
	})
}
