package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"gorm.io/gorm"

	"circlefund/circles"
	"circlefund/lending"
	"circlefund/payments"
	"circlefund/quorum"
	"circlefund/vault"
)

// Error kinds exposed to callers. Kinds are stable; reasons are
// human-readable and may change.
const (
	KindValidation          = "validation"
	KindPolicyViolation     = "policy_violation"
	KindStateConflict       = "state_conflict"
	KindNotFound            = "not_found"
	KindCollaboratorFailure = "collaborator_failure"
	KindInternal            = "internal"
)

var (
	errInvalidPayload   = errors.New("invalid request payload")
	errInvalidProofKind = errors.New("proof kind is not in the accepted set")
	errChargeNotSettled = errors.New("payment charge has not settled")
)

type errorResponse struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// writeError maps engine errors onto stable error kinds and HTTP statuses.
// Every rejection leaves persisted state untouched; the transaction that
// produced the error rolled back before we get here.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		status int
		kind   string
	)
	switch {
	case errors.Is(err, vault.ErrInvalidAmount),
		errors.Is(err, lending.ErrInvalidAmount),
		errors.Is(err, circles.ErrInvalidName),
		errors.Is(err, errInvalidPayload),
		errors.Is(err, errInvalidProofKind):
		status, kind = http.StatusBadRequest, KindValidation
	case errors.Is(err, gorm.ErrRecordNotFound):
		status, kind = http.StatusNotFound, KindNotFound
	case errors.Is(err, lending.ErrNotBorrower):
		status, kind = http.StatusForbidden, KindPolicyViolation
	case errors.Is(err, lending.ErrPrincipalExceedsTier),
		errors.Is(err, lending.ErrInsufficientCapital),
		errors.Is(err, lending.ErrNotCircleMember),
		errors.Is(err, circles.ErrCircleFull),
		errors.Is(err, circles.ErrCircleNotForming),
		errors.Is(err, quorum.ErrSelfApproval),
		errors.Is(err, quorum.ErrNotCircleMember):
		status, kind = http.StatusUnprocessableEntity, KindPolicyViolation
	case errors.Is(err, lending.ErrInvalidTrancheState),
		errors.Is(err, lending.ErrLoanNotActive),
		errors.Is(err, vault.ErrInsufficientBalance),
		errors.Is(err, circles.ErrAlreadyMember):
		status, kind = http.StatusConflict, KindStateConflict
	case errors.Is(err, payments.ErrRailUnavailable),
		errors.Is(err, errChargeNotSettled):
		status, kind = http.StatusBadGateway, KindCollaboratorFailure
	default:
		status, kind = http.StatusInternalServerError, KindInternal
		s.Log.Error("internal error", "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{Kind: kind, Reason: err.Error()})
}
