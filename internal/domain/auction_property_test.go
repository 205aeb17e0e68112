package domain

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
)

func TestAuctionProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	// The accepted highest amount is the maximum of all bids submitted before
	// close that clear the starting price; on ties the earliest bid wins.
	properties.Property("highest accepted amount is the max eligible bid", prop.ForAll(
		func(amounts []int64) bool {
			a, err := NewAuction(validSpec(), t0, false)
			if err != nil {
				return false
			}
			var (
				maxAmount int64
				winner    string
			)
			for i, amount := range amounts {
				id := fmt.Sprintf("b%03d", i)
				a.ApplyBid(bidAt(id, "bidder", amount, t0.Add(time.Duration(i)*time.Millisecond)), a.Version, -1)
				if amount >= startAmt.IntPart() && amount > maxAmount {
					maxAmount = amount
					winner = id
				}
			}
			if winner == "" {
				return a.HighestBidID == "" && a.HighestAmount.IsZero() && a.BidCount == 0
			}
			return a.HighestBidID == winner && a.HighestAmount.Equal(decimal.NewFromInt(maxAmount))
		},
		gen.SliceOf(gen.Int64Range(1, 400)),
	))

	// Every accepted bid raises the highest amount and the version by exactly one.
	properties.Property("accepted amounts strictly increase", prop.ForAll(
		func(amounts []int64) bool {
			a, err := NewAuction(validSpec(), t0, false)
			if err != nil {
				return false
			}
			last := decimal.Zero
			for i, amount := range amounts {
				version := a.Version
				d := a.ApplyBid(bidAt(fmt.Sprintf("b%d", i), "bidder", amount, t0), a.Version, -1)
				if d.Accepted() {
					if !a.HighestAmount.GreaterThan(last) || a.Version != version+1 {
						return false
					}
					last = a.HighestAmount
				} else if a.Version != version {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(1, 400)),
	))

	// Once terminal, nothing is ever accepted again.
	properties.Property("no acceptance after terminal status", prop.ForAll(
		func(amounts []int64, cancel bool) bool {
			a, err := NewAuction(validSpec(), t0, false)
			if err != nil {
				return false
			}
			if cancel {
				err = a.Cancel("withdrawn", t0)
			} else {
				err = a.Close(CloseManual, t0)
			}
			if err != nil {
				return false
			}
			version := a.Version
			for i, amount := range amounts {
				d := a.ApplyBid(bidAt(fmt.Sprintf("b%d", i), "bidder", amount, t0), a.Version, -1)
				if d.Accepted() || d.Reason != ReasonAuctionNotOpen {
					return false
				}
			}
			return a.Version == version && a.BidCount == 0
		},
		gen.SliceOf(gen.Int64Range(1, 10000)),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
