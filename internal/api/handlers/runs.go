package handlers

import (
	"net/http"

	"firerisk/internal/core"
)

// IngestRunRequest is the body of POST /runs.
type IngestRunRequest struct {
	BaseTime string `json:"base_time" validate:"required,isotime"`
	Force    bool   `json:"force"`
}

// HandleIngestRun handles POST /runs. It locates the run in the raw archive
// and writes it into the store unless it is already present; force rewrites
// it. The response reports whether anything was written.
func (h *DatasetHandler) HandleIngestRun(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", cacheNoStore)

	var req IngestRunRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	handle, err := h.service.IngestRun(r.Context(), datasetName(r), req.BaseTime, req.Force)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "run ingest requested",
		"dataset", handle.Dataset,
		"run_time", handle.RunTime,
		"written", handle.Written,
		"force", req.Force,
	)

	status := http.StatusOK
	if handle.Written {
		status = http.StatusCreated
	}
	core.Data(w, r, status, handle)
}
