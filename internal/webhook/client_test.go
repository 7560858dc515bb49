package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type webhookConfigStub struct{ secret string }

func (c webhookConfigStub) GetWebhookTimeout() time.Duration { return time.Second }
func (c webhookConfigStub) GetWebhookSigningSecret() string  { return c.secret }

func TestSendSignsBody(t *testing.T) {
	var (
		gotBody   []byte
		gotHeader http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(webhookConfigStub{secret: "s3cret"})
	err := c.Send(context.Background(), Call{DeliveryID: "d-1", URL: srv.URL, Body: map[string]any{"stage": "Won"}})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, "Won", decoded["stage"])
	assert.Equal(t, "d-1", gotHeader.Get(DeliveryHeader))
	assert.True(t, Verify([]byte("s3cret"), gotHeader.Get(TimestampHeader), gotBody, gotHeader.Get(SignatureHeader)))
	assert.False(t, Verify([]byte("other"), gotHeader.Get(TimestampHeader), gotBody, gotHeader.Get(SignatureHeader)))
}

func TestSendWithoutSecretOmitsSignature(t *testing.T) {
	var method, signature string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		signature = r.Header.Get(SignatureHeader)
	}))
	defer srv.Close()

	err := NewClient(webhookConfigStub{}).Send(context.Background(), Call{URL: srv.URL, Method: "put"})

	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, method)
	assert.Empty(t, signature)
}

func TestSendStatusErrors(t *testing.T) {
	status := http.StatusBadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte("nope"))
	}))
	defer srv.Close()
	c := NewClient(webhookConfigStub{})

	err := c.Send(context.Background(), Call{URL: srv.URL})
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "nope", se.Body)
	assert.True(t, se.Permanent())

	status = http.StatusServiceUnavailable
	err = c.Send(context.Background(), Call{URL: srv.URL})
	require.True(t, errors.As(err, &se))
	assert.False(t, se.Permanent())

	status = http.StatusTooManyRequests
	err = c.Send(context.Background(), Call{URL: srv.URL})
	require.True(t, errors.As(err, &se))
	assert.False(t, se.Permanent())
}

func TestSendRequiresURL(t *testing.T) {
	assert.Error(t, NewClient(webhookConfigStub{}).Send(context.Background(), Call{}))
}
