package service

import (
	"errors"
	"fmt"
)

// Kind classifies a domain error by how the caller should react to it.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation: bad input shape or bounds; fix the input and retry.
	KindValidation
	// KindAuthorization: not a member or wrong role; never retried automatically.
	KindAuthorization
	// KindStateConflict: the current state forbids the operation; terminal for this attempt.
	KindStateConflict
	// KindNotFound: the referenced circle, proposal or record does not exist.
	KindNotFound
	// KindTransientStore: I/O failure; only idempotent calls are safe to retry.
	KindTransientStore
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindStateConflict:
		return "state_conflict"
	case KindNotFound:
		return "not_found"
	case KindTransientStore:
		return "transient_store"
	default:
		return "unknown"
	}
}

// Error is the typed result every engine operation fails with. Code is stable
// and machine readable; Message names the violated rule and never carries
// internal identifiers.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on Code so wrapped and detailed copies still equal their sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithMessage returns a copy of e carrying a more specific message.
func (e *Error) WithMessage(format string, args ...interface{}) *Error {
	return &Error{Kind: e.Kind, Code: e.Code, Message: fmt.Sprintf(format, args...), Err: e.Err}
}

func newError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

var (
	ErrInvalidAmount      = newError(KindValidation, "INVALID_AMOUNT", "amount must be positive and within the circle's minimum")
	ErrAmountExceedsLimit = newError(KindValidation, "AMOUNT_EXCEEDS_LIMIT", "amount exceeds the circle's proposal limit")
	ErrPurposeTooShort    = newError(KindValidation, "PURPOSE_TOO_SHORT", "purpose is too short")
	ErrPurposeTooLong     = newError(KindValidation, "PURPOSE_TOO_LONG", "purpose is too long")
	ErrInvalidLoanTerms   = newError(KindValidation, "INVALID_LOAN_TERMS", "loan terms are missing or out of range")
	ErrInvalidKind        = newError(KindValidation, "INVALID_PROPOSAL_KIND", "proposal kind must be WITHDRAWAL or LOAN")
	ErrInvalidChoice      = newError(KindValidation, "INVALID_CHOICE", "vote choice must be APPROVE or REJECT")
	ErrInvalidRole        = newError(KindValidation, "INVALID_ROLE", "unknown member role")
	ErrInvalidCircle      = newError(KindValidation, "INVALID_CIRCLE", "circle settings are invalid")
	ErrInvalidPaymentRef  = newError(KindValidation, "INVALID_PAYMENT_REFERENCE", "payment reference is required")
	ErrInvalidAdjustment  = newError(KindValidation, "INVALID_ADJUSTMENT", "adjustment needs a non-zero amount and a reason")

	ErrNotAMember  = newError(KindAuthorization, "NOT_A_MEMBER", "requester is not an active member of the circle")
	ErrNotEligible = newError(KindAuthorization, "NOT_ELIGIBLE", "voter is not an active member of the circle")
	ErrForbidden   = newError(KindAuthorization, "FORBIDDEN", "member role does not allow this action")

	ErrInsufficientFunds      = newError(KindStateConflict, "INSUFFICIENT_FUNDS", "insufficient funds")
	ErrVotingClosed           = newError(KindStateConflict, "VOTING_CLOSED", "voting already closed")
	ErrAlreadyVoted           = newError(KindStateConflict, "ALREADY_VOTED", "member already voted on this proposal")
	ErrProposalNotApproved    = newError(KindStateConflict, "PROPOSAL_NOT_APPROVED", "proposal is not approved")
	ErrAlreadyMember          = newError(KindStateConflict, "ALREADY_MEMBER", "person is already an active member")
	ErrCircleInactive         = newError(KindStateConflict, "CIRCLE_INACTIVE", "circle is closed")
	ErrCircleHasOpenProposals = newError(KindStateConflict, "CIRCLE_HAS_OPEN_PROPOSALS", "circle still has open proposals")
	ErrContributionNotPending = newError(KindStateConflict, "CONTRIBUTION_NOT_PENDING", "contribution is no longer pending")
	ErrInstallmentAlreadyPaid = newError(KindStateConflict, "INSTALLMENT_ALREADY_PAID", "installment already paid")
	ErrLoanNotRepaying        = newError(KindStateConflict, "LOAN_NOT_REPAYING", "loan is not in repayment")
	ErrPaymentRefUsed         = newError(KindStateConflict, "PAYMENT_REFERENCE_USED", "payment reference already used")
	ErrCircleBusy             = newError(KindTransientStore, "CIRCLE_BUSY", "circle is busy, retry shortly")

	ErrCircleNotFound       = newError(KindNotFound, "CIRCLE_NOT_FOUND", "circle not found")
	ErrProposalNotFound     = newError(KindNotFound, "PROPOSAL_NOT_FOUND", "proposal not found")
	ErrMemberNotFound       = newError(KindNotFound, "MEMBER_NOT_FOUND", "member not found")
	ErrContributionNotFound = newError(KindNotFound, "CONTRIBUTION_NOT_FOUND", "contribution not found")
	ErrInstallmentNotFound  = newError(KindNotFound, "INSTALLMENT_NOT_FOUND", "installment not found")

	ErrStoreUnavailable = newError(KindTransientStore, "STORE_UNAVAILABLE", "storage temporarily unavailable")
)

// storeError wraps an unexpected store failure. Domain errors pass through
// untouched so that a *Error returned inside a transaction keeps its kind.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return err
	}
	return &Error{
		Kind:    KindTransientStore,
		Code:    ErrStoreUnavailable.Code,
		Message: ErrStoreUnavailable.Message,
		Err:     fmt.Errorf("%s: %w", op, err),
	}
}

// KindOf returns the kind of a domain error, or KindUnknown.
func KindOf(err error) Kind {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Kind
	}
	return KindUnknown
}
