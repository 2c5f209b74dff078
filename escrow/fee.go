package escrow

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// DefaultPlatformFee is the fixed fee kept per delivery, in minor units.
const DefaultPlatformFee int64 = 100

var (
	ErrNonPositiveAmount = errors.New("escrow: fee policy: amount must be positive")
	ErrFeeExceedsAmount  = errors.New("escrow: fee policy: fee exceeds amount")
)

// FeePolicy splits a captured amount into the runner payout and the platform
// fee. Implementations must be pure and deterministic.
type FeePolicy interface {
	Split(amount int64) (payout, fee int64, err error)
}

// FeePolicyFunc adapts a plain function to FeePolicy.
type FeePolicyFunc func(amount int64) (payout, fee int64, err error)

func (f FeePolicyFunc) Split(amount int64) (int64, int64, error) { return f(amount) }

// FixedFee keeps a constant amount; the runner receives the remainder.
type FixedFee struct {
	Fee int64
}

func (p FixedFee) Split(amount int64) (int64, int64, error) {
	if amount <= 0 {
		return 0, 0, ErrNonPositiveAmount
	}
	if p.Fee < 0 {
		return 0, 0, fmt.Errorf("escrow: fee policy: negative fixed fee %d", p.Fee)
	}
	if p.Fee > amount {
		return 0, 0, fmt.Errorf("%w: fee %d, amount %d", ErrFeeExceedsAmount, p.Fee, amount)
	}
	return amount - p.Fee, p.Fee, nil
}

// PercentageFee keeps BasisPoints/10000 of the amount, rounded half-up to the
// minor unit, and never less than MinFee.
type PercentageFee struct {
	BasisPoints int64
	MinFee      int64
}

func (p PercentageFee) Split(amount int64) (int64, int64, error) {
	if amount <= 0 {
		return 0, 0, ErrNonPositiveAmount
	}
	if p.BasisPoints < 0 || p.BasisPoints > 10000 || p.MinFee < 0 {
		return 0, 0, fmt.Errorf("escrow: fee policy: invalid percentage policy %+v", p)
	}
	fee := decimal.NewFromInt(amount).
		Mul(decimal.NewFromInt(p.BasisPoints)).
		Div(decimal.NewFromInt(10000)).
		Round(0).
		IntPart()
	if fee < p.MinFee {
		fee = p.MinFee
	}
	if fee > amount {
		return 0, 0, fmt.Errorf("%w: fee %d, amount %d", ErrFeeExceedsAmount, fee, amount)
	}
	return amount - fee, fee, nil
}

// Tier applies Policy to amounts greater than or equal to From.
type Tier struct {
	From   int64
	Policy FeePolicy
}

// TieredFee picks the tier with the highest From not above the amount.
type TieredFee struct {
	tiers []Tier
}

// NewTieredFee orders the tiers by threshold. The lowest tier must start at 1
// or below so every positive amount is covered.
func NewTieredFee(tiers ...Tier) (*TieredFee, error) {
	if len(tiers) == 0 {
		return nil, errors.New("escrow: fee policy: no tiers")
	}
	sorted := append([]Tier(nil), tiers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].From < sorted[j].From })
	if sorted[0].From > 1 {
		return nil, fmt.Errorf("escrow: fee policy: lowest tier starts at %d", sorted[0].From)
	}
	for i, t := range sorted {
		if t.Policy == nil {
			return nil, fmt.Errorf("escrow: fee policy: tier %d has no policy", i)
		}
		if i > 0 && t.From == sorted[i-1].From {
			return nil, fmt.Errorf("escrow: fee policy: duplicate tier threshold %d", t.From)
		}
	}
	return &TieredFee{tiers: sorted}, nil
}

func (p *TieredFee) Split(amount int64) (int64, int64, error) {
	if amount <= 0 {
		return 0, 0, ErrNonPositiveAmount
	}
	idx := sort.Search(len(p.tiers), func(i int) bool { return p.tiers[i].From > amount }) - 1
	return p.tiers[idx].Policy.Split(amount)
}

// checkSplit enforces the split contract regardless of policy implementation.
func checkSplit(amount, payout, fee int64) error {
	switch {
	case payout < 0:
		return fmt.Errorf("negative payout %d", payout)
	case fee < 0:
		return fmt.Errorf("negative fee %d", fee)
	case payout+fee != amount:
		return fmt.Errorf("payout %d + fee %d != charge %d", payout, fee, amount)
	}
	return nil
}
