package service

import "circlefund/internal/model"

// Tally is a snapshot of a proposal's votes against the circle's current
// active membership.
type Tally struct {
	TotalVotes    int64 `json:"total_votes"`
	ApproveVotes  int64 `json:"approve_votes"`
	RejectVotes   int64 `json:"reject_votes"`
	ActiveMembers int64 `json:"active_members"`
}

// Resolve maps a tally to the proposal status it implies.
//
// A proposal is approved once approvals are a strict majority of the votes
// cast and turnout reaches quorumPercent of the active members (0 disables the
// turnout check). Once every active member has voted and it is still not
// approved, it is rejected. Otherwise it stays pending. A tie is never a
// majority.
//
// Resolve only looks at counts, so the same tally always yields the same
// status regardless of the order the votes arrived in.
func Resolve(t Tally, quorumPercent int) string {
	quorumMet := t.TotalVotes*100 >= int64(quorumPercent)*t.ActiveMembers
	if t.TotalVotes > 0 && t.ApproveVotes*2 > t.TotalVotes && quorumMet {
		return model.ProposalStatusApproved
	}
	if t.TotalVotes >= t.ActiveMembers {
		return model.ProposalStatusRejected
	}
	return model.ProposalStatusPending
}
