package ledgerd

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"go.uber.org/zap"

	"github.com/banking-audit-ledger/anchor/internal/chain"
)

// maxExplorerPage bounds GET /v1/entries.
const maxExplorerPage = 500

// NewExplorer returns a read-only REST view of the chain:
//
//	GET /v1/transactions/{tx_ref}
//	GET /v1/keys/{key}
//	GET /v1/chain
//	GET /v1/chain/verify
//	GET /v1/chain/snapshot
//	GET /v1/entries?offset=&limit=
func NewExplorer(c chain.Chain, logger *zap.Logger) (*runtime.ServeMux, error) {
	e := &explorer{chain: c, logger: logger}
	mux := runtime.NewServeMux()

	routes := []struct {
		pattern string
		handler runtime.HandlerFunc
	}{
		{"/v1/transactions/{tx_ref}", e.transaction},
		{"/v1/keys/{key}", e.byKey},
		{"/v1/chain", e.summary},
		{"/v1/chain/verify", e.verify},
		{"/v1/chain/snapshot", e.snapshot},
		{"/v1/entries", e.entries},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(http.MethodGet, rt.pattern, rt.handler); err != nil {
			return nil, err
		}
	}
	return mux, nil
}

type explorer struct {
	chain  chain.Chain
	logger *zap.Logger
}

func (e *explorer) transaction(w http.ResponseWriter, r *http.Request, params map[string]string) {
	entry, err := e.chain.GetByTx(r.Context(), params["tx_ref"])
	if err != nil {
		e.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (e *explorer) byKey(w http.ResponseWriter, r *http.Request, params map[string]string) {
	entry, err := e.chain.GetByKey(r.Context(), params["key"])
	if err != nil {
		e.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (e *explorer) summary(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	n, err := e.chain.Len(r.Context())
	if err != nil {
		e.fail(w, err)
		return
	}
	root, err := e.chain.Root(r.Context())
	if err != nil {
		e.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"length": n, "root": root})
}

func (e *explorer) verify(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	if err := e.chain.Verify(r.Context()); err != nil {
		e.logger.Error("chain verification failed", zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]any{"valid": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"valid": true})
}

func (e *explorer) snapshot(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	w.Header().Set("Content-Type", "application/zstd")
	w.Header().Set("Content-Disposition", `attachment; filename="chain.ndjson.zst"`)
	n, err := chain.ExportSnapshot(r.Context(), e.chain, w)
	if err != nil {
		// Headers are already sent; the truncated stream fails to decode.
		e.logger.Error("snapshot export failed", zap.Int("written", n), zap.Error(err))
	}
}

func (e *explorer) entries(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "offset must be a non-negative integer"})
		return
	}
	limit, err := queryInt(r, "limit", chain.DefaultListLimit)
	if err != nil || limit < 1 || limit > maxExplorerPage {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be between 1 and 500"})
		return
	}
	page, err := e.chain.List(r.Context(), offset, limit)
	if err != nil {
		e.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": page, "offset": offset, "limit": limit})
}

func (e *explorer) fail(w http.ResponseWriter, err error) {
	if errors.Is(err, chain.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	e.logger.Error("explorer query failed", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
