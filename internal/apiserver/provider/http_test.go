package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPProviderCreateVM(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody CreateVMRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(VM{ProviderID: "vm-abc", IPAddress: "203.0.113.9"})
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "prov-token")
	vm, err := p.CreateVM(context.Background(), CreateVMRequest{
		NodeID:   "node-1",
		UserID:   "user-1",
		Size:     "standard-4",
		Location: "eu-west",
	})
	require.NoError(t, err)
	assert.Equal(t, "POST /vms", gotPath)
	assert.Equal(t, "Bearer prov-token", gotAuth)
	assert.Equal(t, "node-1", gotBody.NodeID)
	assert.Equal(t, "vm-abc", vm.ProviderID)
	assert.Equal(t, "203.0.113.9", vm.IPAddress)
}

func TestHTTPProviderCreateVMError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exhausted", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "")
	_, err := p.CreateVM(context.Background(), CreateVMRequest{NodeID: "node-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 422")
	assert.Contains(t, err.Error(), "quota exhausted")
}

func TestHTTPProviderDestroyVM(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.Method + " " + r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "tok")
	require.NoError(t, p.DestroyVM(context.Background(), "node-1"))
	assert.Equal(t, "DELETE /vms/node-1", gotPath)
}

func TestHTTPProviderDestroyVMNotFoundIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewHTTPProvider(srv.URL, "")
	require.NoError(t, p.DestroyVM(context.Background(), "node-gone"))
}
