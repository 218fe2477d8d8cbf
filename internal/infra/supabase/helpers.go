package supabase

import (
	"bytes"
	"net/http"
	"net/url"

	"github.com/boddenberg/crm-bfa-go/internal/domain"
)

// ============================================================
// HTTP helpers
// ============================================================

func setHeaders(req *http.Request, apiKey, serviceRoleKey, prefer string) {
	req.Header.Set("apikey", apiKey)
	req.Header.Set("Authorization", "Bearer "+serviceRoleKey)
	req.Header.Set("Content-Type", "application/json")
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}
}

func readBody(resp *http.Response) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// eq builds a PostgREST equality filter value.
func eq(v string) string {
	return "eq." + url.QueryEscape(v)
}

// ============================================================
// Row mapping
// ============================================================

const documentColumns = "path,id,data,version"

// documentRow maps the documents table.
type documentRow struct {
	Path    string          `json:"path"`
	Parent  string          `json:"parent,omitempty"`
	ID      string          `json:"id"`
	Data    domain.Document `json:"data"`
	Version uint64          `json:"version,omitempty"`
}

func (r documentRow) snapshot() domain.DocumentSnapshot {
	data := r.Data
	if data == nil {
		data = domain.Document{}
	}
	return domain.DocumentSnapshot{
		Path:    r.Path,
		ID:      r.ID,
		Data:    data,
		Exists:  true,
		Version: r.Version,
	}
}
