package adminapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/fieldkey/health"
	"github.com/jmcleod/fieldkey/rotation"
	"github.com/jmcleod/fieldkey/secretsource"
)

// completeOptions merges a request's overrides onto the server defaults.
func (a *API) completeOptions(v VerifyOptions) rotation.CompleteOptions {
	opts := a.complete
	if v.VerifySample != nil {
		opts.VerifySample = *v.VerifySample
	}
	if v.SampleSize > 0 {
		opts.SampleSize = v.SampleSize
	}
	return opts
}

func (a *API) ProvisionKey(w http.ResponseWriter, r *http.Request) {
	a.provision(w, r, chi.URLParam(r, "owner"))
}

// ProvisionMaster provisions the global key. The master secret itself must
// already exist.
func (a *API) ProvisionMaster(w http.ResponseWriter, r *http.Request) {
	a.provision(w, r, "")
}

func (a *API) provision(w http.ResponseWriter, r *http.Request, owner string) {
	req, ok := decodeJSON[ProvisionRequest](w, r)
	if !ok {
		return
	}
	kv, created, err := a.orch.Provision(r.Context(), owner, initiator(r, req.InitiatedBy))
	if err != nil {
		mapError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, ProvisionResponse{Key: *kv, Created: created})
}

func (a *API) OwnerStatus(w http.ResponseWriter, r *http.Request) {
	st, err := a.orch.Status(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) ListRotations(w http.ResponseWriter, r *http.Request) {
	recs, err := a.orch.Records(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		mapError(w, err)
		return
	}
	limit, offset := parsePagination(r)
	page, meta := paginate(recs, limit, offset)
	writeJSON(w, http.StatusOK, RecordListResponse{Records: page, PaginationMeta: meta})
}

func (a *API) ListAllRotations(w http.ResponseWriter, r *http.Request) {
	recs, err := a.orch.AllRecords(r.Context())
	if err != nil {
		mapError(w, err)
		return
	}
	if s := r.URL.Query().Get("status"); s != "" {
		filtered := recs[:0]
		for _, rec := range recs {
			if string(rec.Status) == s {
				filtered = append(filtered, rec)
			}
		}
		recs = filtered
	}
	limit, offset := parsePagination(r)
	page, meta := paginate(recs, limit, offset)
	writeJSON(w, http.StatusOK, RecordListResponse{Records: page, PaginationMeta: meta})
}

// StartRotation opens a rotation for the owner. With "complete" set the new
// version is activated in the same call.
func (a *API) StartRotation(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[StartRotationRequest](w, r)
	if !ok {
		return
	}
	start := rotation.StartRequest{
		Owner:       chi.URLParam(r, "owner"),
		Reason:      rotation.Reason(req.Reason),
		DryRun:      req.DryRun,
		InitiatedBy: initiator(r, req.InitiatedBy),
	}
	if !req.Complete || req.DryRun {
		rec, err := a.orch.Start(r.Context(), start)
		if err != nil {
			mapError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, rec)
		return
	}
	out := a.orch.RotateOwner(r.Context(), start, a.completeOptions(req.VerifyOptions))
	if out.Err != nil {
		mapRecordError(w, out.Err, out.Record)
		return
	}
	writeJSON(w, http.StatusCreated, out.Record)
}

// RotateAll rotates every owner with an active key.
func (a *API) RotateAll(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[RotateAllRequest](w, r)
	if !ok {
		return
	}
	reason, err := rotation.ParseReason(req.Reason)
	if err != nil {
		mapError(w, err)
		return
	}
	outcomes, err := a.orch.RotateAll(r.Context(), reason, req.DryRun, initiator(r, req.InitiatedBy), a.completeOptions(req.VerifyOptions))
	if err != nil && len(outcomes) == 0 {
		mapError(w, err)
		return
	}
	resp := RotateAllResponse{Outcomes: make([]OutcomeResponse, 0, len(outcomes))}
	for _, out := range outcomes {
		o := OutcomeResponse{Owner: out.Owner, Record: out.Record}
		if out.Err != nil {
			o.Error = out.Err.Error()
			resp.Failed++
		} else {
			resp.Succeeded++
		}
		resp.Outcomes = append(resp.Outcomes, o)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) GetRotation(w http.ResponseWriter, r *http.Request) {
	rec, err := a.orch.Find(r.Context(), chi.URLParam(r, "recordID"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) CompleteRotation(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[CompleteRotationRequest](w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "recordID")
	rec, err := a.orch.Complete(r.Context(), id, a.completeOptions(req.VerifyOptions))
	if err != nil {
		failed, _ := a.orch.Find(r.Context(), id)
		mapRecordError(w, err, failed)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) RollbackRotation(w http.ResponseWriter, r *http.Request) {
	rec, err := a.orch.Rollback(r.Context(), chi.URLParam(r, "recordID"))
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// DiscardRotation deletes a dry-run record.
func (a *API) DiscardRotation(w http.ResponseWriter, r *http.Request) {
	if err := a.orch.Discard(r.Context(), chi.URLParam(r, "recordID")); err != nil {
		mapError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RotateMaster asks the secret source to rotate the master secret. Backends
// that rotate asynchronously, or that hand the new secret back for the
// operator to publish, answer 202.
func (a *API) RotateMaster(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[RotateMasterRequest](w, r)
	if !ok {
		return
	}
	publish, err := a.orch.RotateMaster(r.Context(), initiator(r, req.InitiatedBy))
	switch {
	case errors.Is(err, secretsource.ErrRotationScheduled):
		writeJSON(w, http.StatusAccepted, RotateMasterResponse{Scheduled: true, Message: err.Error()})
	case errors.Is(err, secretsource.ErrRotationNotPersisted):
		writeJSON(w, http.StatusAccepted, RotateMasterResponse{Pending: true, Secret: publish, Message: err.Error()})
	case err != nil:
		mapError(w, err)
	default:
		writeJSON(w, http.StatusOK, RotateMasterResponse{})
	}
}

// HealthResponse is a health report with its overall verdict.
type HealthResponse struct {
	Healthy bool `json:"healthy"`
	*health.Report
}

// Health builds a report. "warn_days" overrides the warning window and
// "owner" adds per-owner detail.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	opts := health.Options{WarnWithin: a.warnWithin, Owner: r.URL.Query().Get("owner")}
	if v := r.URL.Query().Get("warn_days"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil || days < 1 {
			writeError(w, http.StatusBadRequest, "warn_days must be a positive integer")
			return
		}
		opts.WarnWithin = time.Duration(days) * 24 * time.Hour
	}
	rep, err := a.monitor.Report(r.Context(), opts)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Healthy: rep.Healthy(), Report: rep})
}

func (a *API) ListAudit(w http.ResponseWriter, r *http.Request) {
	if a.trail == nil {
		writeError(w, http.StatusNotFound, "audit trail is not stored")
		return
	}
	limit, _ := parsePagination(r)
	events, err := a.trail.List(r.Context(), r.URL.Query().Get("owner"), limit)
	if err != nil {
		mapError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AuditListResponse{Events: events})
}
