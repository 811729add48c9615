package models

import (
	"errors"
	"time"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrStatusConflict        = errors.New("query status changed concurrently")
	ErrDuplicateContribution = errors.New("contact already contributed to this query")
	ErrAlreadySettled        = errors.New("query already settled")
	ErrLedgerImbalance       = errors.New("ledger transaction does not balance")
	ErrCitationScope         = errors.New("citation references a contribution from another query")
)

type QueryStatus string

const (
	StatusPending    QueryStatus = "pending"
	StatusRouting    QueryStatus = "routing"
	StatusCollecting QueryStatus = "collecting"
	StatusCompiling  QueryStatus = "compiling"
	StatusCompleted  QueryStatus = "completed"
	StatusFailed     QueryStatus = "failed"
	StatusCancelled  QueryStatus = "cancelled"
)

func (s QueryStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Failure reason codes stored on failed queries.
const (
	ReasonNoEligibleExperts         = "no_eligible_experts"
	ReasonInsufficientContributions = "insufficient_contributions"
	ReasonSynthesisUnresolvable     = "synthesis_unresolvable"
	ReasonSettlementFailed          = "settlement_failed"
	ReasonInterrupted               = "interrupted"
	ReasonCancelled                 = "cancelled_by_request"
	ReasonInternalError             = "internal_error"
)

type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
)

type Contact struct {
	ID                 string           `json:"id"`
	Name               string           `json:"name"`
	ExpertiseSummary   string           `json:"expertise_summary,omitempty"`
	ExpertiseVector    []float32        `json:"-"`
	TrustScore         float64          `json:"trust_score"`
	ResponseRate       float64          `json:"response_rate"`
	Available          bool             `json:"available"`
	Disabled           bool             `json:"disabled"`
	Consent            map[Channel]bool `json:"consent"`
	Tags               []string         `json:"tags"`
	LastContactedAt    *time.Time       `json:"last_contacted_at,omitempty"`
	TotalContributions int              `json:"total_contributions"`
	TotalEarningsCents int64            `json:"total_earnings_cents"`
	CreatedAt          time.Time        `json:"created_at"`
	UpdatedAt          time.Time        `json:"updated_at"`
}

func (c Contact) ConsentsTo(ch Channel) bool {
	return c.Consent[ch]
}

// PreferredChannel returns the first channel in priority order the contact
// has consented to.
func (c Contact) PreferredChannel(priority []Channel) (Channel, bool) {
	for _, ch := range priority {
		if c.ConsentsTo(ch) {
			return ch, true
		}
	}
	return "", false
}

type Query struct {
	ID               string        `json:"id"`
	AskerID          string        `json:"asker_id,omitempty"`
	QuestionText     string        `json:"question_text"`
	QuestionVector   []float32     `json:"-"`
	BudgetCents      int64         `json:"budget_cents"`
	Timeout          time.Duration `json:"timeout"`
	MinContributions int           `json:"min_contributions"`
	MaxMatches       int           `json:"max_matches"`
	Status           QueryStatus   `json:"status"`
	FailureReason    string        `json:"failure_reason,omitempty"`
	CollectDeadline  *time.Time    `json:"collect_deadline,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

type ScoreComponents struct {
	Similarity   float64 `json:"similarity"`
	Trust        float64 `json:"trust"`
	Availability float64 `json:"availability"`
	Recency      float64 `json:"recency"`
}

type Match struct {
	QueryID    string          `json:"query_id"`
	ContactID  string          `json:"contact_id"`
	Score      float64         `json:"score"`
	Rank       int             `json:"rank"`
	Cluster    string          `json:"cluster,omitempty"`
	Wave       int             `json:"wave"`
	Components ScoreComponents `json:"components"`
	Reasons    []string        `json:"reasons,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

type DeliveryStatus string

const (
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryTimeout   DeliveryStatus = "timeout"
	DeliverySkipped   DeliveryStatus = "skipped"
)

type Delivery struct {
	QueryID   string         `json:"query_id"`
	ContactID string         `json:"contact_id"`
	Channel   Channel        `json:"channel"`
	Status    DeliveryStatus `json:"status"`
	Attempts  int            `json:"attempts"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type Contribution struct {
	ID           string    `json:"id"`
	QueryID      string    `json:"query_id"`
	ContactID    string    `json:"contact_id"`
	ResponseText string    `json:"response_text"`
	Confidence   float64   `json:"confidence"`
	ReceivedAt   time.Time `json:"received_at"`
	Used         bool      `json:"used"`
	// Late contributions arrived after collecting closed. They are kept for
	// audit and never synthesized or paid.
	Late bool `json:"late"`
}

type Citation struct {
	ID             string  `json:"id"`
	QueryID        string  `json:"query_id"`
	ContributionID string  `json:"contribution_id"`
	ClaimStart     int     `json:"claim_start"`
	ClaimEnd       int     `json:"claim_end"`
	SourceExcerpt  string  `json:"source_excerpt"`
	Confidence     float64 `json:"confidence"`
	Position       int     `json:"position"`
}

type CompiledAnswer struct {
	ID               string     `json:"id"`
	QueryID          string     `json:"query_id"`
	FinalText        string     `json:"final_text"`
	Citations        []Citation `json:"citations"`
	ConfidenceScore  float64    `json:"confidence_score"`
	UngroundedClaims int        `json:"ungrounded_claims"`
	Partial          bool       `json:"partial"`
	Attempts         int        `json:"attempts"`
	CreatedAt        time.Time  `json:"created_at"`
}

// CitationCounts returns the number of citations per contribution id.
func (a *CompiledAnswer) CitationCounts() map[string]int {
	counts := make(map[string]int)
	for _, c := range a.Citations {
		counts[c.ContributionID]++
	}
	return counts
}

type AccountType string

const (
	AccountQueryBudget AccountType = "query_budget"
	AccountContributor AccountType = "contributor"
	AccountPlatform    AccountType = "platform"
	AccountReferrer    AccountType = "referrer"
)

const (
	PlatformRevenueAccount = "platform_revenue"
	ReferralPoolAccount    = "referral_pool"
)

type LedgerEntry struct {
	ID            string      `json:"id"`
	TransactionID string      `json:"transaction_id"`
	QueryID       string      `json:"query_id"`
	AccountType   AccountType `json:"account_type"`
	AccountID     string      `json:"account_id"`
	AmountCents   int64       `json:"amount_cents"`
	Memo          string      `json:"memo,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

type Payout struct {
	ContributionID string  `json:"contribution_id"`
	ContactID      string  `json:"contact_id"`
	Citations      int     `json:"citations"`
	Used           bool    `json:"used"`
	Weight         float64 `json:"weight"`
	AmountCents    int64   `json:"amount_cents"`
}

type Settlement struct {
	TransactionID        string        `json:"transaction_id"`
	QueryID              string        `json:"query_id"`
	BudgetCents          int64         `json:"budget_cents"`
	ContributorPoolCents int64         `json:"contributor_pool_cents"`
	PlatformCents        int64         `json:"platform_cents"`
	ReferrerCents        int64         `json:"referrer_cents"`
	Payouts              []Payout      `json:"payouts"`
	Entries              []LedgerEntry `json:"entries,omitempty"`
	SettledAt            time.Time     `json:"settled_at"`
}

type StatusEvent struct {
	QueryID string      `json:"query_id"`
	From    QueryStatus `json:"from,omitempty"`
	To      QueryStatus `json:"to"`
	Reason  string      `json:"reason,omitempty"`
	At      time.Time   `json:"at"`
}
