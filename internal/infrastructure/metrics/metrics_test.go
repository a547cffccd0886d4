package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorderCounts(t *testing.T) {
	r := NewRecorder(prometheus.NewRegistry())

	r.VoteCast("APPROVE")
	r.VoteCast("APPROVE")
	r.VoteCast("REJECT")
	r.PenaltyAccrued(150)
	r.PenaltyAccrued(0)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.votesCast.WithLabelValues("APPROVE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.votesCast.WithLabelValues("REJECT")))
	assert.Equal(t, 150.0, testutil.ToFloat64(r.penaltiesAccrued))
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.VoteCast("APPROVE")
		r.ProposalResolved("APPROVED")
		r.GateRejected("proposal_vote")
	})
}
