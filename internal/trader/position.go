package trader

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusOpening Status = "OPENING"
	StatusActive  Status = "ACTIVE"
	StatusClosing Status = "CLOSING"
	StatusClosed  Status = "CLOSED"
	StatusFailed  Status = "FAILED"
)

// Position is one delta-neutral pair: a spot long hedged by a futures
// short of the same size.
type Position struct {
	TradeID           string
	Symbol            string
	Status            Status
	Size              float64
	EntrySpotPrice    float64
	EntryFuturesPrice float64
	FundingRate       float64
	SpotOrderID       string
	FuturesOrderID    string
	OpenedAt          time.Time
	ClosedAt          time.Time
	CloseReason       string
	FailReason        string
}

// open positions hold exposure; terminal ones do not.
func (p *Position) isOpen() bool {
	switch p.Status {
	case StatusOpening, StatusActive, StatusClosing:
		return true
	}
	return false
}

func tradeIDFor(symbol string, at time.Time) string {
	compact := strings.Map(func(r rune) rune {
		if r == '/' || r == '-' || r == '_' {
			return -1
		}
		return r
	}, symbol)
	return fmt.Sprintf("ARB_%s_%d", compact, at.Unix())
}
