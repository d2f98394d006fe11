package circles

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"circlefund/models"
)

var (
	// ErrCircleFull rejects joins once membership equals capacity.
	ErrCircleFull = errors.New("circles: circle is full")
	// ErrCircleNotForming rejects joins on circles past the forming stage.
	ErrCircleNotForming = errors.New("circles: circle is not forming")
	// ErrAlreadyMember rejects duplicate memberships.
	ErrAlreadyMember = errors.New("circles: already a member")
	// ErrInvalidName rejects blank circle names.
	ErrInvalidName = errors.New("circles: name is required")
)

// Registry manages circle membership: who may vote on proofs and how large
// the voting population is.
type Registry struct {
	db  *gorm.DB
	now func() time.Time
}

// NewRegistry constructs a circle registry.
func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Create registers a new circle in forming status.
func (r *Registry) Create(ctx context.Context, name string, maxMembers int) (*models.Circle, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidName
	}
	now := r.now()
	circle := &models.Circle{
		ID:         uuid.New(),
		Name:       name,
		MaxMembers: maxMembers,
		Status:     models.CircleForming,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.db.WithContext(ctx).Create(circle).Error; err != nil {
		return nil, err
	}
	return circle, nil
}

// Join adds a member to a forming circle under a row lock on the circle.
// When membership reaches capacity the circle flips to active in the same
// transaction. Returns the updated circle and the new member count.
func (r *Registry) Join(ctx context.Context, circleID uuid.UUID, member string) (*models.Circle, int64, error) {
	var (
		circle models.Circle
		count  int64
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&circle, "id = ?", circleID).Error; err != nil {
			return err
		}
		if circle.Status != models.CircleForming {
			return ErrCircleNotForming
		}
		if err := tx.Model(&models.CircleMember{}).
			Where("circle_id = ?", circle.ID).
			Count(&count).Error; err != nil {
			return err
		}
		if count >= int64(circle.MaxMembers) {
			return ErrCircleFull
		}
		var existing int64
		if err := tx.Model(&models.CircleMember{}).
			Where("circle_id = ? AND member_pseudonym = ?", circle.ID, member).
			Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return ErrAlreadyMember
		}
		now := r.now()
		membership := models.CircleMember{
			ID:              uuid.New(),
			CircleID:        circle.ID,
			MemberPseudonym: member,
			JoinedAt:        now,
		}
		if err := tx.Create(&membership).Error; err != nil {
			return err
		}
		count++
		if count >= int64(circle.MaxMembers) {
			circle.Status = models.CircleActive
		}
		circle.UpdatedAt = now
		if err := tx.Save(&circle).Error; err != nil {
			return err
		}
		event := models.LedgerEvent{
			ID:        uuid.New(),
			EntityID:  &membership.CircleID,
			Actor:     member,
			Action:    "circle.joined",
			CreatedAt: now,
		}
		return tx.Create(&event).Error
	})
	if err != nil {
		return nil, 0, err
	}
	return &circle, count, nil
}

// Get loads a circle with its members.
func (r *Registry) Get(ctx context.Context, circleID uuid.UUID) (*models.Circle, error) {
	var circle models.Circle
	if err := r.db.WithContext(ctx).Preload("Members").First(&circle, "id = ?", circleID).Error; err != nil {
		return nil, err
	}
	return &circle, nil
}

// List returns all circles, newest first.
func (r *Registry) List(ctx context.Context) ([]models.Circle, error) {
	var out []models.Circle
	if err := r.db.WithContext(ctx).Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// MemberCount returns the current membership size of a circle.
func (r *Registry) MemberCount(ctx context.Context, circleID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.CircleMember{}).
		Where("circle_id = ?", circleID).
		Count(&count).Error
	return count, err
}

// IsMember reports whether the pseudonym belongs to the circle.
func (r *Registry) IsMember(ctx context.Context, circleID uuid.UUID, pseudonym string) (bool, error) {
	return IsMemberTx(r.db.WithContext(ctx), circleID, pseudonym)
}

// IsMemberTx is IsMember against an existing transaction handle.
func IsMemberTx(tx *gorm.DB, circleID uuid.UUID, pseudonym string) (bool, error) {
	var count int64
	err := tx.Model(&models.CircleMember{}).
		Where("circle_id = ? AND member_pseudonym = ?", circleID, pseudonym).
		Count(&count).Error
	return count > 0, err
}

// VoterCountTx counts circle members excluding the borrower, evaluated
// against current membership inside the caller's transaction.
func VoterCountTx(tx *gorm.DB, circleID uuid.UUID, borrower string) (int64, error) {
	var count int64
	err := tx.Model(&models.CircleMember{}).
		Where("circle_id = ? AND member_pseudonym <> ?", circleID, borrower).
		Count(&count).Error
	return count, err
}
