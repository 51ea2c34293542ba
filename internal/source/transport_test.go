package source

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialControl(t *testing.T) {
	tests := []struct {
		address string
		blocked bool
	}{
		{"140.82.112.3:443", false},
		{"[2606:4700::6810:84e5]:443", false},
		{"169.254.169.254:80", true},
		{"127.0.0.1:443", true},
		{"10.1.2.3:443", true},
		{"100.64.0.1:443", true},
		{"[::1]:443", true},
		{"[::ffff:169.254.169.254]:80", true},
		{"[fe80::1]:443", true},
		{"not-an-address", true},
	}
	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			err := dialControl("tcp", tt.address, nil)
			if tt.blocked {
				assert.ErrorIs(t, err, ErrInvalidLocator)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGuardedHTTPClient_RefusesInternalAddress(t *testing.T) {
	var hits atomic.Int32
	internal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer internal.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, internal.URL+"/latest/meta-data", nil)
	require.NoError(t, err)

	_, err = guardedHTTPClient().Do(req)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidLocator)
	assert.Zero(t, hits.Load(), "no request may reach an internal address")
}

func TestClassifyCloneError_KeepsInternalAddressRejection(t *testing.T) {
	dialErr := fmt.Errorf("dial tcp: %w", dialControl("tcp", "169.254.169.254:80", nil))

	err := classifyCloneError(context.Background(), testRepo, time.Minute, dialErr)
	assert.ErrorIs(t, err, ErrInvalidLocator)
	assert.NotErrorIs(t, err, ErrCloneFailed)
}
