package handlers

import (
	"errors"
	"io"
	"net/http"

	"pkt.systems/pslog"

	"github.com/iamrgalisanao/tsms-dev-sub004/internal/models"
	"github.com/iamrgalisanao/tsms-dev-sub004/internal/services"
	"github.com/iamrgalisanao/tsms-dev-sub004/internal/validation"
)

// maxSubmissionBytes bounds a single submission body.
const maxSubmissionBytes = 5 << 20

type TransactionHandler struct {
	intake *services.IntakeService
	logger pslog.Logger
}

func NewTransactionHandler(intake *services.IntakeService, logger pslog.Logger) *TransactionHandler {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &TransactionHandler{intake: intake, logger: logger}
}

// rejection is the 422 body for a submission that failed validation.
type rejection struct {
	Success       bool                     `json:"success"`
	Message       string                   `json:"message"`
	Errors        map[string][]string      `json:"errors"`
	StructureHint string                   `json:"structure_hint"`
	Remediation   []validation.Remediation `json:"remediation"`
}

// HandleSubmit accepts a single or batch submission.
func (h *TransactionHandler) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSubmissionBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.logger.Warn("transactions.body_too_large", "limit", tooLarge.Limit)
			writeError(w, http.StatusRequestEntityTooLarge, "Submission body is too large")
			return
		}
		h.logger.Warn("transactions.read_failed", "error", err)
		writeError(w, http.StatusBadRequest, "Error reading request body")
		return
	}
	defer r.Body.Close()

	result, err := h.intake.Submit(r.Context(), body)
	var issues validation.Errors
	if errors.As(err, &issues) {
		message := "Validation failed"
		if len(issues.OfKind(validation.KindStructure)) > 0 {
			message = "Payload structure is invalid"
		}
		writeJSON(w, http.StatusUnprocessableEntity, rejection{
			Success:       false,
			Message:       message,
			Errors:        issues.Fields(),
			StructureHint: validation.StructureHint,
			Remediation:   validation.RemediationsFor(issues),
		})
		return
	}
	if err != nil {
		h.logger.Error("transactions.queue_failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Error queuing transactions")
		return
	}

	writeJSON(w, http.StatusCreated, envelope{
		Success: true,
		Message: "Transactions queued for forwarding",
		Data:    result,
	})
}

// HandleGet returns a stored transaction and its forwarding history.
func (h *TransactionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	status, err := h.intake.Lookup(r.Context(), r.PathValue("id"))
	if errors.Is(err, models.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Transaction not found")
		return
	}
	if err != nil {
		h.logger.Error("transactions.lookup_failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Error retrieving transaction")
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: status})
}
