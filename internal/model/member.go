package model

import (
	"time"
)

const (
	RoleChair     = "CHAIR"
	RoleTreasurer = "TREASURER"
	RoleSecretary = "SECRETARY"
	RoleMember    = "MEMBER"
)

// Member is one person's membership row in one circle.
//
// ActiveSlot is 1 while the row is active and NULL afterwards. Together with the
// (circle_id, person_id, active_slot) unique index it allows any number of
// historical rows but at most one active row per person and circle.
type Member struct {
	ID         int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	CircleID   int64      `gorm:"not null;uniqueIndex:uk_member_active,priority:1" json:"circle_id"`
	PersonID   int64      `gorm:"not null;uniqueIndex:uk_member_active,priority:2;index" json:"person_id"`
	ActiveSlot *int8      `gorm:"uniqueIndex:uk_member_active,priority:3" json:"-"`
	Role       string     `gorm:"type:varchar(16);not null" json:"role"`
	Active     bool       `gorm:"not null" json:"active"`
	JoinedAt   time.Time  `gorm:"not null" json:"joined_at"`
	LeftAt     *time.Time `json:"left_at,omitempty"`
	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Member) TableName() string {
	return "circle_member"
}

// CanExecuteDisbursement reports whether the role may move approved funds.
func (m *Member) CanExecuteDisbursement() bool {
	return m.Role == RoleChair || m.Role == RoleTreasurer
}

// CanManageMembers reports whether the role may add or deactivate members.
func (m *Member) CanManageMembers() bool {
	return m.Role == RoleChair || m.Role == RoleSecretary
}

func IsValidRole(role string) bool {
	switch role {
	case RoleChair, RoleTreasurer, RoleSecretary, RoleMember:
		return true
	}
	return false
}

// ActiveSlotValue is the marker stored in ActiveSlot for active rows.
func ActiveSlotValue() *int8 {
	v := int8(1)
	return &v
}
