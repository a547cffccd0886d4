package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder holds the engine's Prometheus collectors. A nil *Recorder is valid
// and records nothing.
type Recorder struct {
	votesCast         *prometheus.CounterVec
	proposalsCreated  *prometheus.CounterVec
	proposalsResolved *prometheus.CounterVec
	disbursements     *prometheus.CounterVec
	contributions     *prometheus.CounterVec
	penaltiesAccrued  prometheus.Counter
	loansDefaulted    prometheus.Counter
	gateRejections    *prometheus.CounterVec
}

func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		votesCast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "circlefund",
			Name:      "votes_cast_total",
			Help:      "Votes accepted, by choice.",
		}, []string{"choice"}),
		proposalsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "circlefund",
			Name:      "proposals_created_total",
			Help:      "Proposals created, by kind.",
		}, []string{"kind"}),
		proposalsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "circlefund",
			Name:      "proposals_resolved_total",
			Help:      "Proposals that left PENDING, by outcome.",
		}, []string{"outcome"}),
		disbursements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "circlefund",
			Name:      "disbursements_total",
			Help:      "Execution attempts on approved proposals, by result.",
		}, []string{"result"}),
		contributions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "circlefund",
			Name:      "contributions_total",
			Help:      "Contribution records that reached a final status, by kind and status.",
		}, []string{"kind", "status"}),
		penaltiesAccrued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "circlefund",
			Name:      "penalty_amount_accrued_total",
			Help:      "Minor currency units of penalty charged on overdue installments.",
		}),
		loansDefaulted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "circlefund",
			Name:      "loans_defaulted_total",
			Help:      "Loans moved to DEFAULTED.",
		}),
		gateRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "circlefund",
			Name:      "gate_rejections_total",
			Help:      "Requests refused by the attempt gate, by action.",
		}, []string{"action"}),
	}

	reg.MustRegister(
		r.votesCast,
		r.proposalsCreated,
		r.proposalsResolved,
		r.disbursements,
		r.contributions,
		r.penaltiesAccrued,
		r.loansDefaulted,
		r.gateRejections,
	)
	return r
}

func (r *Recorder) VoteCast(choice string) {
	if r == nil {
		return
	}
	r.votesCast.WithLabelValues(choice).Inc()
}

func (r *Recorder) ProposalCreated(kind string) {
	if r == nil {
		return
	}
	r.proposalsCreated.WithLabelValues(kind).Inc()
}

func (r *Recorder) ProposalResolved(outcome string) {
	if r == nil {
		return
	}
	r.proposalsResolved.WithLabelValues(outcome).Inc()
}

func (r *Recorder) Disbursement(result string) {
	if r == nil {
		return
	}
	r.disbursements.WithLabelValues(result).Inc()
}

func (r *Recorder) Contribution(kind, status string) {
	if r == nil {
		return
	}
	r.contributions.WithLabelValues(kind, status).Inc()
}

func (r *Recorder) PenaltyAccrued(amount int64) {
	if r == nil || amount <= 0 {
		return
	}
	r.penaltiesAccrued.Add(float64(amount))
}

func (r *Recorder) LoanDefaulted() {
	if r == nil {
		return
	}
	r.loansDefaulted.Inc()
}

func (r *Recorder) GateRejected(action string) {
	if r == nil {
		return
	}
	r.gateRejections.WithLabelValues(action).Inc()
}
