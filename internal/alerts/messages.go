package alerts

import "fmt"

func PositionOpened(tradeID, symbol string, size, spotPrice, futuresPrice, fundingRate float64) string {
	return fmt.Sprintf("opened %s: %s size=%.4f spot=%.2f futures=%.2f funding=%.4f%%",
		tradeID, symbol, size, spotPrice, futuresPrice, fundingRate*100)
}

func PositionClosed(tradeID, symbol, reason string) string {
	return fmt.Sprintf("closed %s: %s (%s)", tradeID, symbol, reason)
}

func PositionFailed(tradeID, symbol, reason string) string {
	return fmt.Sprintf("FAILED %s: %s (%s), manual review required", tradeID, symbol, reason)
}
