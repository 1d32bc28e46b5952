package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// --- Visualization ---
type PPCReq struct {
	Variable   string   `json:"variable"`
	Formula    string   `json:"formula,omitempty"`
	Observed   [2]int   `json:"observed"`
	Replicated [][2]int `json:"replicated"`
	OutputPath string   `json:"output_path,omitempty"`
}

type PPCResp struct {
	Status string `json:"status"`
	Path   string `json:"path"`
}

func (h *HTTP) GeneratePPC(ctx context.Context, url string, req PPCReq) (*PPCResp, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("viz ppc encode: %w", err)
	}
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/generate-ppc", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	r.Header.Set("Content-Type", "application/json")
	resp, err := h.c.Do(r)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("viz ppc %s: %s", resp.Status, string(body))
	}

	var out PPCResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("viz ppc decode: %w", err)
	}
	return &out, nil
}
