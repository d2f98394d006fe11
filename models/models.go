package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// CircleStatus represents the membership lifecycle of a lending circle.
type CircleStatus string

// Circle states. A circle forms until membership reaches capacity and is
// active from then on; circles are never deleted in-flow.
const (
	CircleForming CircleStatus = "forming"
	CircleActive  CircleStatus = "active"
)

// LoanStatus represents a loan's position in its lifecycle.
type LoanStatus string

// Loan states. Transitions are monotonic: pending -> active -> repaid.
const (
	LoanPending LoanStatus = "pending"
	LoanActive  LoanStatus = "active"
	LoanRepaid  LoanStatus = "repaid"
)

// TrancheStatus represents a tranche's position in the release pipeline.
type TrancheStatus string

// Tranche states in pipeline order.
const (
	TranchePending        TrancheStatus = "pending"
	TrancheLocked         TrancheStatus = "locked"
	TrancheProofSubmitted TrancheStatus = "proof_submitted"
	TrancheReleased       TrancheStatus = "released"
	TrancheClaimed        TrancheStatus = "claimed"
)

// VaultEntryKind distinguishes ledger entry directions.
type VaultEntryKind string

// Vault ledger entry kinds. Amounts are always positive; the kind carries
// the sign.
const (
	VaultDeposit    VaultEntryKind = "deposit"
	VaultWithdrawal VaultEntryKind = "withdrawal"
)

// Circle is a mutual-guarantee group of borrowers.
type Circle struct {
	ID         uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	Name       string       `gorm:"size:128;not null" json:"name"`
	MaxMembers int          `gorm:"not null" json:"max_members"`
	Status     CircleStatus `gorm:"size:16;index" json:"status"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`

	Members []CircleMember `json:"members,omitempty"`
}

// CircleMember records one membership. The (circle, member) pair is unique;
// duplicate joins are rejected by the constraint, not by application flags.
type CircleMember struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CircleID        uuid.UUID `gorm:"type:uuid;index;uniqueIndex:idx_circle_member" json:"circle_id"`
	MemberPseudonym string    `gorm:"size:128;uniqueIndex:idx_circle_member" json:"member_pseudonym"`
	JoinedAt        time.Time `json:"joined_at"`
}

// Loan describes a milestone-gated microloan drawn against the vault.
type Loan struct {
	ID                  uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	CircleID            uuid.UUID  `gorm:"type:uuid;index" json:"circle_id"`
	BorrowerPseudonym   string     `gorm:"size:128;index" json:"borrower_pseudonym"`
	PrincipalCents      int64      `gorm:"not null" json:"principal_cents"`
	InterestRateBps     int64      `gorm:"not null" json:"interest_rate_bps"`
	TotalRepaymentCents int64      `gorm:"not null" json:"total_repayment_cents"`
	RepaidCents         int64      `gorm:"not null;default:0" json:"repaid_cents"`
	NumTranches         int        `gorm:"not null" json:"num_tranches"`
	Status              LoanStatus `gorm:"size:16;index" json:"status"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`

	Tranches []Tranche `json:"tranches,omitempty"`
}

// Tranche is one milestone-gated installment of a loan's principal. The sum
// of tranche amounts across a loan equals the loan principal exactly.
type Tranche struct {
	ID          uuid.UUID     `gorm:"type:uuid;primaryKey" json:"id"`
	LoanID      uuid.UUID     `gorm:"type:uuid;index;uniqueIndex:idx_loan_tranche" json:"loan_id"`
	Index       int           `gorm:"column:tranche_index;uniqueIndex:idx_loan_tranche" json:"index"`
	AmountCents int64         `gorm:"not null" json:"amount_cents"`
	Status      TrancheStatus `gorm:"size:24;index" json:"status"`
	ReleasedAt  *time.Time    `json:"released_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Proof is a borrower's milestone evidence for a tranche.
type Proof struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	TrancheID         uuid.UUID `gorm:"type:uuid;index" json:"tranche_id"`
	BorrowerPseudonym string    `gorm:"size:128" json:"borrower_pseudonym"`
	Kind              string    `gorm:"size:32" json:"kind"`
	Description       string    `gorm:"size:512" json:"description"`
	SubmittedAt       time.Time `json:"submitted_at"`
}

// ProofApproval records one peer approval. The (proof, approver) pair is
// unique so re-approval is a constraint-level no-op.
type ProofApproval struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ProofID           uuid.UUID `gorm:"type:uuid;index;uniqueIndex:idx_proof_approver" json:"proof_id"`
	ApproverPseudonym string    `gorm:"size:128;uniqueIndex:idx_proof_approver" json:"approver_pseudonym"`
	CreatedAt         time.Time `json:"created_at"`
}

// BorrowerTier tracks earned borrowing capacity. Created lazily on first
// completed loan; absent rows read as tier 1 with zero completions.
type BorrowerTier struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	BorrowerPseudonym string    `gorm:"size:128;uniqueIndex" json:"borrower_pseudonym"`
	Tier              int       `gorm:"not null" json:"tier"`
	CompletedLoans    int       `gorm:"not null;default:0" json:"completed_loans"`
	MaxLoanCents      int64     `gorm:"not null" json:"max_loan_cents"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// VaultEntry is one row of the append-only capital ledger. Entries are never
// mutated or deleted; all aggregates are derived by folding them.
type VaultEntry struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	LenderPseudonym string         `gorm:"size:128;index" json:"lender_pseudonym"`
	AmountCents     int64          `gorm:"not null" json:"amount_cents"`
	Kind            VaultEntryKind `gorm:"size:16;index" json:"kind"`
	CreatedAt       time.Time      `json:"created_at"`
}

// LedgerEvent is the audit trail. Events are appended in the same
// transaction as the state change they describe.
type LedgerEvent struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	EntityID  *uuid.UUID `gorm:"type:uuid;index"`
	Actor     string     `gorm:"size:128"`
	Action    string     `gorm:"size:64"`
	Details   string     `gorm:"type:text"`
	CreatedAt time.Time
}

// IdempotencyKey stores request idempotency metadata.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Circle{},
		&CircleMember{},
		&Loan{},
		&Tranche{},
		&Proof{},
		&ProofApproval{},
		&BorrowerTier{},
		&VaultEntry{},
		&LedgerEvent{},
		&IdempotencyKey{},
	)
}
