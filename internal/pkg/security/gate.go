package security

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

var ErrLedgerUnavailable = errors.New("attempt ledger unavailable")

// Rejection reasons reported in Decision.Reason.
const (
	ReasonUserRateLimit   = "user rate limit exceeded"
	ReasonOriginRateLimit = "origin rate limit exceeded"
	ReasonGeoAnomaly      = "origin country differs from established location"
	ReasonRiskScore       = "risk score above threshold"
	ReasonAverageSpike    = "amount exceeds 3x historical average"
	ReasonAverageLimit    = "amount exceeds 5x historical average"
	ReasonAbsoluteLimit   = "amount exceeds absolute limit"
	ReasonLedgerError     = "attempt ledger unavailable"
	ReasonHistoryError    = "payment history unavailable"
)

// PaymentRequest is what the gate evaluates before any gateway call.
type PaymentRequest struct {
	UserID   uint
	Amount   decimal.Decimal
	OriginIP string
	Country  string
}

// Decision is the gate verdict. It carries the reserved attempt so the
// processor can report the charge outcome back.
type Decision struct {
	Approved  bool
	Reason    string
	RiskScore int
	AttemptID string
	keys      []string
}

// Gate approves or denies payment requests. It never touches billing state.
type Gate struct {
	ledger  AttemptLedger
	history HistoryProvider
	cfg     Config
	now     func() time.Time
}

func NewGate(ledger AttemptLedger, history HistoryProvider, cfg Config) *Gate {
	return &Gate{ledger: ledger, history: history, cfg: cfg, now: time.Now}
}

// WithClock replaces the time source, used by tests.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

func (g *Gate) reject(ctx context.Context, req PaymentRequest, d *Decision, reason string) *Decision {
	d.Approved = false
	d.Reason = reason
	for _, key := range d.keys {
		if err := g.ledger.Complete(ctx, key, d.AttemptID, AttemptFailed); err != nil {
			log.Warnf("[SecurityGate] could not book rejected attempt %s on %s: %v", d.AttemptID, key, err)
		}
	}
	log.Warnf("[SecurityGate] rejected user=%d origin=%s amount=%s score=%d: %s",
		req.UserID, req.OriginIP, req.Amount.StringFixed(2), d.RiskScore, reason)
	return d
}

// Evaluate runs rate limiting, suspicious-activity detection and amount
// limits in that order. Infrastructure errors yield a rejection and a
// non-nil error.
func (g *Gate) Evaluate(ctx context.Context, req PaymentRequest) (*Decision, error) {
	now := g.now()
	d := &Decision{AttemptID: uuid.New().String()}
	attempt := Attempt{ID: d.AttemptID, At: now, Amount: req.Amount, Status: AttemptPending}

	userKey := UserKey(req.UserID)
	ok, err := g.ledger.Reserve(ctx, userKey, attempt, g.cfg.UserLimit, g.cfg.Window)
	if err != nil {
		log.Errorf("[SecurityGate] ledger reserve failed for user=%d: %v", req.UserID, err)
		return g.reject(ctx, req, d, ReasonLedgerError), fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	if !ok {
		return g.reject(ctx, req, d, ReasonUserRateLimit), nil
	}
	d.keys = append(d.keys, userKey)

	if req.OriginIP != "" {
		originKey := OriginKey(req.OriginIP)
		ok, err = g.ledger.Reserve(ctx, originKey, attempt, g.cfg.OriginLimit, g.cfg.Window)
		if err != nil || !ok {
			// the user slot was taken for a request that never proceeds
			if relErr := g.ledger.Release(ctx, userKey, d.AttemptID); relErr != nil {
				log.Warnf("[SecurityGate] could not release attempt %s: %v", d.AttemptID, relErr)
			}
			d.keys = nil
		}
		if err != nil {
			log.Errorf("[SecurityGate] ledger reserve failed for origin=%s: %v", req.OriginIP, err)
			return g.reject(ctx, req, d, ReasonLedgerError), fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
		}
		if !ok {
			return g.reject(ctx, req, d, ReasonOriginRateLimit), nil
		}
		d.keys = append(d.keys, originKey)
	}

	recent, err := g.ledger.Recent(ctx, userKey, g.cfg.Window, now)
	if err != nil {
		log.Errorf("[SecurityGate] ledger read failed for user=%d: %v", req.UserID, err)
		return g.reject(ctx, req, d, ReasonLedgerError), fmt.Errorf("%w: %v", ErrLedgerUnavailable, err)
	}
	prior := lo.Filter(recent, func(a Attempt, _ int) bool { return a.ID != d.AttemptID })
	d.RiskScore = g.RiskScore(prior, now)

	hist, err := g.history.History(ctx, req.UserID)
	if err != nil {
		log.Errorf("[SecurityGate] history lookup failed for user=%d: %v", req.UserID, err)
		return g.reject(ctx, req, d, ReasonHistoryError), fmt.Errorf("payment history: %w", err)
	}

	if reason := g.suspicious(req, hist, d.RiskScore); reason != "" {
		return g.reject(ctx, req, d, reason), nil
	}
	if reason := g.overLimit(req, hist); reason != "" {
		return g.reject(ctx, req, d, reason), nil
	}

	d.Approved = true
	log.Infof("[SecurityGate] approved user=%d origin=%s amount=%s score=%d",
		req.UserID, req.OriginIP, req.Amount.StringFixed(2), d.RiskScore)
	return d, nil
}

// RiskScore weights the attempts already in the window: failed, large and
// very recent attempts each add their weight. The score is capped.
func (g *Gate) RiskScore(attempts []Attempt, now time.Time) int {
	recentSince := now.Add(-g.cfg.RecentWindow)
	score := lo.SumBy(attempts, func(a Attempt) int {
		s := 0
		if a.Status == AttemptFailed {
			s += g.cfg.FailedWeight
		}
		if a.Amount.GreaterThan(g.cfg.LargeAmount) {
			s += g.cfg.LargeAmountWeight
		}
		if a.At.After(recentSince) {
			s += g.cfg.RecentWeight
		}
		return s
	})
	return min(score, g.cfg.RiskCap)
}

func (g *Gate) suspicious(req PaymentRequest, hist *UserHistory, score int) string {
	if req.Country != "" && hist.HomeCountry != "" && !strings.EqualFold(req.Country, hist.HomeCountry) {
		return ReasonGeoAnomaly
	}
	if score > g.cfg.RiskThreshold {
		return ReasonRiskScore
	}
	if hist.HasHistory() && req.Amount.GreaterThan(hist.AverageAmount.Mul(g.cfg.SuspiciousAvgRatio)) {
		return ReasonAverageSpike
	}
	return ""
}

func (g *Gate) overLimit(req PaymentRequest, hist *UserHistory) string {
	if hist.HasHistory() && req.Amount.GreaterThan(hist.AverageAmount.Mul(g.cfg.MaxAvgRatio)) {
		return ReasonAverageLimit
	}
	if req.Amount.GreaterThan(g.cfg.AbsoluteMaxAmt) {
		return ReasonAbsoluteLimit
	}
	return ""
}

// RecordOutcome books the charge result on every key the attempt was counted on.
func (g *Gate) RecordOutcome(ctx context.Context, d *Decision, successful bool) error {
	if d == nil || !d.Approved {
		return nil
	}
	status := AttemptFailed
	if successful {
		status = AttemptSucceeded
	}
	var errs []error
	for _, key := range d.keys {
		if err := g.ledger.Complete(ctx, key, d.AttemptID, status); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Release gives back the slots of an approved attempt that never reached
// the gateway.
func (g *Gate) Release(ctx context.Context, d *Decision) error {
	if d == nil || !d.Approved {
		return nil
	}
	var errs []error
	for _, key := range d.keys {
		if err := g.ledger.Release(ctx, key, d.AttemptID); err != nil {
			errs = append(errs, err)
		}
	}
	d.keys = nil
	return errors.Join(errs...)
}
