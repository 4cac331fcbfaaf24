/*
handlers.go - HTTP API handlers for the residence registry

PURPOSE:
  Exposes the hierarchy store and the assignment workflow via REST API.
  Handles HTTP request/response, JSON serialization, and delegates to the
  assignment service.

ENDPOINTS:
  Hierarchy:
    GET    /api/properties               List properties
    POST   /api/properties               Create property (idempotent by label)
    DELETE /api/properties/{id}          Remove property, returns orphans
    GET    /api/properties/{id}/levels   List levels by ordinal
    POST   /api/properties/{id}/levels   Create level (idempotent by ordinal)
    POST   /api/properties/{id}/units    Create unit (idempotent by number)
    GET    /api/levels/{id}/units        List units on a level
    DELETE /api/levels/{id}              Remove level, units stay detached
    DELETE /api/units/{id}               Remove unit, returns orphans

  Occupants:
    GET    /api/occupants?unassigned=true  Occupants waiting for a unit
    GET    /api/occupants?unitId=...       Occupants of a unit
    POST   /api/occupants                  Create occupant
    GET    /api/occupants/{id}             Get occupant
    PATCH  /api/occupants/{id}             Edit occupant
    DELETE /api/occupants/{id}             Delete occupant without debt
    POST   /api/occupants/{id}/charges     Add to balance due
    POST   /api/occupants/{id}/payments    Settle balance due

  Workflow:
    POST   /api/assignments   Assign (JSON or multipart with a file)
    PUT    /api/assignments   Reassign
    POST   /api/assets        Upload asset (multipart)
    GET    /api/assets        List an owner's assets

ERROR HANDLING:
  Errors are returned as JSON with the HTTP status of their fault class:
  - 400: fault.ValidationError, malformed input
  - 404: fault.NotFoundError
  - 409: fault.ConflictError
  - 500: storage and structural errors

  A post-commit asset failure during assignment is not an error: the
  response is 200 with a "warning" field.

SECURITY NOTE:
  No authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/warp/residence-registry/assets"
	"github.com/warp/residence-registry/assignment"
	"github.com/warp/residence-registry/fault"
	"github.com/warp/residence-registry/hierarchy"
)

// maxMultipartMemory is the part of a multipart body kept in memory.
const maxMultipartMemory = 32 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store   hierarchy.TxStore
	Service *assignment.Service
	Assets  *assets.FileStore

	assetPrefix string
	log         logrus.FieldLogger
}

// NewHandler wires the assignment service over store and files. Assets are
// served under assetPrefix.
func NewHandler(store hierarchy.TxStore, files *assets.FileStore, assetPrefix string, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		Store:       store,
		Service:     assignment.NewService(store, files, log),
		Assets:      files,
		assetPrefix: assetPrefix,
		log:         log,
	}
}

// =============================================================================
// PROPERTY HANDLERS
// =============================================================================

func (h *Handler) ListProperties(w http.ResponseWriter, r *http.Request) {
	props, err := assignment.Collect(h.Service.Properties(r.Context()))
	if err != nil {
		h.writeFault(w, "Failed to list properties", err)
		return
	}
	dtos := make([]PropertyDTO, len(props))
	for i, p := range props {
		dtos[i] = h.toPropertyDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateProperty(w http.ResponseWriter, r *http.Request) {
	var req CreatePropertyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	prop, err := h.Store.UpsertProperty(r.Context(), req.Label, hierarchy.PropertyData{})
	if err != nil {
		h.writeFault(w, "Failed to create property", err)
		return
	}
	writeJSON(w, http.StatusCreated, h.toPropertyDTO(prop))
}

// DeleteProperty removes the property and reports the occupants it left
// without a unit.
func (h *Handler) DeleteProperty(w http.ResponseWriter, r *http.Request) {
	id := hierarchy.PropertyID(chi.URLParam(r, "id"))
	removal, err := h.Service.RemoveProperty(r.Context(), id)
	if err != nil {
		h.writeFault(w, "Failed to delete property", err)
		return
	}
	writeJSON(w, http.StatusOK, toRemovalDTO(removal))
}

// =============================================================================
// LEVEL AND UNIT HANDLERS
// =============================================================================

func (h *Handler) ListLevels(w http.ResponseWriter, r *http.Request) {
	id := hierarchy.PropertyID(chi.URLParam(r, "id"))
	levels, err := assignment.Collect(h.Service.Levels(r.Context(), id))
	if err != nil {
		h.writeFault(w, "Failed to list levels", err)
		return
	}
	dtos := make([]LevelDTO, len(levels))
	for i, l := range levels {
		dtos[i] = h.toLevelDTO(l)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) CreateLevel(w http.ResponseWriter, r *http.Request) {
	id := hierarchy.PropertyID(chi.URLParam(r, "id"))
	var req CreateLevelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	level, err := h.Store.UpsertLevel(r.Context(), id, req.Ordinal, hierarchy.LevelData{Name: req.Name})
	if err != nil {
		h.writeFault(w, "Failed to create level", err)
		return
	}
	writeJSON(w, http.StatusCreated, h.toLevelDTO(level))
}

func (h *Handler) DeleteLevel(w http.ResponseWriter, r *http.Request) {
	id := hierarchy.LevelID(chi.URLParam(r, "id"))
	detached, err := h.Store.DeleteLevel(r.Context(), id)
	if err != nil {
		h.writeFault(w, "Failed to delete level", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"detachedUnits": convertIDs(detached)})
}

func (h *Handler) CreateUnit(w http.ResponseWriter, r *http.Request) {
	id := hierarchy.PropertyID(chi.URLParam(r, "id"))
	var req CreateUnitRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var data hierarchy.UnitData
	if req.LevelID != nil {
		data.LevelID = hierarchy.Ptr(hierarchy.LevelID(*req.LevelID))
	}
	unit, err := h.Store.UpsertUnit(r.Context(), id, req.UnitNumber, data)
	if err != nil {
		h.writeFault(w, "Failed to create unit", err)
		return
	}
	writeJSON(w, http.StatusCreated, toUnitDTO(unit))
}

func (h *Handler) ListUnits(w http.ResponseWriter, r *http.Request) {
	id := hierarchy.LevelID(chi.URLParam(r, "id"))
	units, err := assignment.Collect(h.Service.Units(r.Context(), id))
	if err != nil {
		h.writeFault(w, "Failed to list units", err)
		return
	}
	dtos := make([]UnitDTO, len(units))
	for i, u := range units {
		dtos[i] = toUnitDTO(u)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) DeleteUnit(w http.ResponseWriter, r *http.Request) {
	id := hierarchy.UnitID(chi.URLParam(r, "id"))
	removal, err := h.Service.RemoveUnit(r.Context(), id)
	if err != nil {
		h.writeFault(w, "Failed to delete unit", err)
		return
	}
	writeJSON(w, http.StatusOK, toRemovalDTO(removal))
}

// =============================================================================
// OCCUPANT HANDLERS
// =============================================================================

// ListOccupants filters by ?unassigned=true or ?unitId=.
func (h *Handler) ListOccupants(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		list []hierarchy.Occupant
		err  error
	)
	switch {
	case q.Get("unassigned") == "true":
		list, err = h.Service.Unassigned(r.Context())
	case q.Get("unitId") != "":
		list, err = h.Store.ListOccupants(r.Context(), hierarchy.UnitID(q.Get("unitId")))
	default:
		writeError(w, http.StatusBadRequest, "Filter required: unassigned=true or unitId", nil)
		return
	}
	if err != nil {
		h.writeFault(w, "Failed to list occupants", err)
		return
	}
	writeJSON(w, http.StatusOK, toOccupantDTOs(list))
}

func (h *Handler) GetOccupant(w http.ResponseWriter, r *http.Request) {
	o, err := h.Store.GetOccupant(r.Context(), hierarchy.OccupantID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeFault(w, "Failed to get occupant", err)
		return
	}
	writeJSON(w, http.StatusOK, toOccupantDTO(o))
}

func (h *Handler) CreateOccupant(w http.ResponseWriter, r *http.Request) {
	var req CreateOccupantRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	birth, err := parseDate(req.BirthDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid birthDate format (use YYYY-MM-DD)", err)
		return
	}
	o, err := h.Service.CreateOccupant(r.Context(), assignment.CreateOccupantRequest{
		Name:          req.Name,
		BirthDate:     birth,
		HouseholdSize: req.HouseholdSize,
		MonthlyFee:    req.MonthlyFee,
		CreatorRef:    req.CreatorRef,
		Placement:     req.Placement,
	})
	if err != nil {
		h.writeFault(w, "Failed to create occupant", err)
		return
	}
	writeJSON(w, http.StatusCreated, toOccupantDTO(o))
}

// EditOccupant patches editable fields and, when present, the status.
func (h *Handler) EditOccupant(w http.ResponseWriter, r *http.Request) {
	id := hierarchy.OccupantID(chi.URLParam(r, "id"))
	var req EditOccupantRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	edit := assignment.EditOccupantRequest{
		ID:            id,
		Name:          req.Name,
		HouseholdSize: req.HouseholdSize,
		MonthlyFee:    req.MonthlyFee,
	}
	if req.BirthDate != nil {
		birth, err := parseDate(*req.BirthDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid birthDate format (use YYYY-MM-DD)", err)
			return
		}
		edit.BirthDate = &birth
	}

	o, err := h.Service.EditOccupant(r.Context(), edit)
	if err == nil && req.Status != nil {
		o, err = h.Service.SetStatus(r.Context(), id, hierarchy.OccupantStatus(*req.Status))
	}
	if err != nil {
		h.writeFault(w, "Failed to edit occupant", err)
		return
	}
	writeJSON(w, http.StatusOK, toOccupantDTO(o))
}

func (h *Handler) DeleteOccupant(w http.ResponseWriter, r *http.Request) {
	if err := h.Service.DeleteOccupant(r.Context(), hierarchy.OccupantID(chi.URLParam(r, "id"))); err != nil {
		h.writeFault(w, "Failed to delete occupant", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) RecordCharge(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	o, err := h.Service.RecordCharge(r.Context(), hierarchy.OccupantID(chi.URLParam(r, "id")), req.Amount)
	if err != nil {
		h.writeFault(w, "Failed to record charge", err)
		return
	}
	writeJSON(w, http.StatusOK, toOccupantDTO(o))
}

func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	var req AmountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	o, err := h.Service.RecordPayment(r.Context(), hierarchy.OccupantID(chi.URLParam(r, "id")), req.Amount)
	if err != nil {
		h.writeFault(w, "Failed to record payment", err)
		return
	}
	writeJSON(w, http.StatusOK, toOccupantDTO(o))
}

// =============================================================================
// ASSIGNMENT HANDLERS
// =============================================================================

func (h *Handler) Assign(w http.ResponseWriter, r *http.Request) {
	h.assign(w, r, h.Service.Assign)
}

func (h *Handler) Reassign(w http.ResponseWriter, r *http.Request) {
	h.assign(w, r, h.Service.Reassign)
}

func (h *Handler) assign(w http.ResponseWriter, r *http.Request,
	run func(ctx context.Context, req assignment.AssignRequest) (assignment.Result, error)) {
	req, ok := h.parseAssignRequest(w, r)
	if !ok {
		return
	}
	res, err := run(r.Context(), req)
	if err != nil {
		h.writeFault(w, "Failed to assign occupant", err)
		return
	}
	dto := AssignmentDTO{Occupant: toOccupantDTO(res.Occupant)}
	if res.AssetPath != "" && res.Warning == nil {
		dto.AssetPath = res.AssetPath
		dto.AssetURL = h.assetURL(res.AssetPath)
	}
	if res.Warning != nil {
		dto.Warning = res.Warning.Error()
	}
	writeJSON(w, http.StatusOK, dto)
}

// parseAssignRequest accepts a JSON body, or a multipart form whose optional
// "file" part becomes the attachment.
func (h *Handler) parseAssignRequest(w http.ResponseWriter, r *http.Request) (assignment.AssignRequest, bool) {
	var req assignment.AssignRequest
	if !isMultipart(r) {
		return req, decodeJSON(w, r, &req)
	}
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart body", err)
		return req, false
	}
	req.OccupantID = hierarchy.OccupantID(r.FormValue("occupantId"))
	req.PropertyID = hierarchy.PropertyID(r.FormValue("propertyId"))
	req.UnitID = hierarchy.UnitID(r.FormValue("unitId"))
	if v := r.FormValue("levelId"); v != "" {
		req.LevelID = hierarchy.Ptr(hierarchy.LevelID(v))
	}
	req.Override = r.FormValue("override") == "true"

	att, present, err := readAttachment(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid attachment", err)
		return req, false
	}
	if present {
		req.Attachment = &att
	}
	return req, true
}

// =============================================================================
// ASSET HANDLERS
// =============================================================================

// UploadAsset stores a multipart "file" for the owner named by the ownerKind
// and ownerId form fields.
func (h *Handler) UploadAsset(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart body", err)
		return
	}
	att, present, err := readAttachment(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid attachment", err)
		return
	}
	if !present {
		writeError(w, http.StatusBadRequest, "Missing file part", nil)
		return
	}
	p, err := h.Service.UploadAsset(r.Context(), assignment.UploadRequest{
		OwnerKind:  assets.OwnerKind(r.FormValue("ownerKind")),
		OwnerID:    r.FormValue("ownerId"),
		Attachment: att,
	})
	if err != nil {
		h.writeFault(w, "Failed to upload asset", err)
		return
	}
	writeJSON(w, http.StatusCreated, AssetDTO{Path: p, URL: h.assetURL(p)})
}

func (h *Handler) ListAssets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dir, err := h.Service.OwnerDir(r.Context(), assets.OwnerKind(q.Get("ownerKind")), q.Get("ownerId"))
	if err != nil {
		h.writeFault(w, "Failed to list assets", err)
		return
	}
	paths, err := h.Assets.List(r.Context(), dir)
	if err != nil {
		h.writeFault(w, "Failed to list assets", err)
		return
	}
	dtos := make([]AssetDTO, len(paths))
	for i, p := range paths {
		dtos[i] = AssetDTO{Path: p, URL: h.assetURL(p)}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ServeAsset streams a stored asset. The route is mounted under the asset
// prefix, so the wildcard is the asset path.
func (h *Handler) ServeAsset(w http.ResponseWriter, r *http.Request) {
	p := "/" + chi.URLParam(r, "*")
	parsed, err := assets.ParsePath(p)
	if err != nil {
		writeError(w, http.StatusNotFound, "Asset not found", nil)
		return
	}
	data, err := h.Assets.Read(r.Context(), p)
	if err != nil {
		h.writeFault(w, "Failed to read asset", err)
		return
	}
	w.Header().Set("Content-Type", parsed.Mime)
	http.ServeContent(w, r, path.Base(p), time.Time{}, bytes.NewReader(data))
}

// readAttachment reads the "file" part with its kind and index fields. The
// declared mime is the part's Content-Type, sniffed when the client sent
// none.
func readAttachment(r *http.Request) (assignment.Attachment, bool, error) {
	file, header, err := r.FormFile("file")
	if errors.Is(err, http.ErrMissingFile) {
		return assignment.Attachment{}, false, nil
	}
	if err != nil {
		return assignment.Attachment{}, false, err
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return assignment.Attachment{}, false, err
	}
	att := assignment.Attachment{
		Kind: assets.Kind(r.FormValue("kind")),
		Data: data,
		Mime: header.Header.Get("Content-Type"),
	}
	if att.Kind == "" {
		att.Kind = assets.KindDocument
	}
	if att.Mime == "" || att.Mime == "application/octet-stream" {
		att.Mime = mimetype.Detect(data).String()
	}
	if v := r.FormValue("index"); v != "" {
		if att.Index, err = strconv.Atoi(v); err != nil {
			return assignment.Attachment{}, false, fault.Validation("index", "not a number: %q", v)
		}
	}
	return att, true, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeFault maps a domain error to its HTTP status.
func (h *Handler) writeFault(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.log.WithError(err).Error(message)
	}
	writeError(w, status, message, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, fault.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, fault.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, fault.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func isMultipart(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data")
}

func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.DateOnly, s)
}
