package clients

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratePPC(t *testing.T) {
	var got PPCReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/generate-ppc", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(PPCResp{Status: "ok", Path: got.OutputPath})
	}))
	defer srv.Close()

	h := NewHTTP(5 * time.Second)
	resp, err := h.GeneratePPC(context.Background(), srv.URL, PPCReq{
		Variable:   "z_maxEWF0",
		Observed:   [2]int{10, 5},
		Replicated: [][2]int{{9, 6}, {11, 4}},
		OutputPath: "plots/ppc_z_maxEWF0.png",
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "plots/ppc_z_maxEWF0.png", resp.Path)
	assert.Equal(t, "z_maxEWF0", got.Variable)
	assert.Equal(t, [2]int{10, 5}, got.Observed)
	assert.Len(t, got.Replicated, 2)
}

func TestGeneratePPC_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "renderer down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewHTTP(0).GeneratePPC(context.Background(), srv.URL, PPCReq{Variable: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "renderer down")
}
