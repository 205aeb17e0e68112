package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"gavel.io/gavel/internal/deadletter"
	"gavel.io/gavel/internal/domain"
	apperrors "gavel.io/gavel/internal/pkg/errors"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

// AuctionView is the operator view of one auction.
type AuctionView struct {
	Auction *domain.Auction `json:"auction"`
	Bids    []*domain.Bid   `json:"bids"`
	// Archived is set when the auction was served from its snapshot.
	Archived bool `json:"archived"`
}

// DeadLetterList is the response of ListDeadLetters.
type DeadLetterList struct {
	Items []deadletter.Letter `json:"items"`
}

// GetWorkerMetrics handles GET /workers with pool and lane occupancy.
func (s *Server) GetWorkerMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.pools.Metrics())
}

// ListDeadLetters handles GET /dead-letters?limit=N, newest first.
func (s *Server) ListDeadLetters(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	letters, err := s.deadLetters.List(c.Request.Context(), limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if letters == nil {
		letters = []deadletter.Letter{}
	}
	c.JSON(http.StatusOK, DeadLetterList{Items: letters})
}

// GetAuction handles GET /auctions/:id. Auctions missing from the store are
// looked up in the archive.
func (s *Server) GetAuction(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	a, err := s.auctions.GetAuction(ctx, id)
	if apperrors.KindOf(err) == apperrors.KindNotFound && s.snapshots != nil {
		snap, loadErr := s.snapshots.Load(ctx, id)
		if loadErr != nil {
			_ = c.Error(err)
			return
		}
		c.JSON(http.StatusOK, AuctionView{Auction: snap.Auction, Bids: snap.Bids, Archived: true})
		return
	}
	if err != nil {
		_ = c.Error(err)
		return
	}

	bids, err := s.auctions.ListBids(ctx, id)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if bids == nil {
		bids = []*domain.Bid{}
	}
	c.JSON(http.StatusOK, AuctionView{Auction: a, Bids: bids})
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, apperrors.Validation(apperrors.CodeInvalidArgument, "limit must be a positive integer").
			WithParams(map[string]interface{}{"limit": raw})
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, nil
}
