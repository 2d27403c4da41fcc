package futures

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"

	"grid-core/pkg/exchange"
)

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

// apiError is Binance's error envelope.
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func decodeAPIError(body []byte) (apiError, bool) {
	var e apiError
	if err := json.Unmarshal(body, &e); err != nil || e.Code == 0 {
		return apiError{}, false
	}
	return e, true
}

// Binance futures error codes the engine reacts to.
const (
	codeUnknownOrder        = -2011
	codeOrderNotExist       = -2013
	codeMarginInsufficient  = -2019
	codeReduceOnlyRejected  = -2022
	codePositionSideNoMatch = -4061
)

func mapStatus(s string) exchange.OrderStatus {
	switch s {
	case "NEW":
		return exchange.StatusNew
	case "PARTIALLY_FILLED":
		return exchange.StatusPartial
	case "FILLED":
		return exchange.StatusFilled
	case "CANCELED":
		return exchange.StatusCanceled
	case "REJECTED":
		return exchange.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return exchange.StatusExpired
	default:
		return exchange.StatusUnknown
	}
}

type orderResp struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Status        string `json:"status"`
	AvgPrice      string `json:"avgPrice"`
	ExecutedQty   string `json:"executedQty"`
}

type positionRisk struct {
	Symbol           string `json:"symbol"`
	PositionSide     string `json:"positionSide"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	LiquidationPrice string `json:"liquidationPrice"`
}

type accountResp struct {
	TotalMarginBalance string `json:"totalMarginBalance"`
	TotalMaintMargin   string `json:"totalMaintMargin"`
	AvailableBalance   string `json:"availableBalance"`
}

type premiumIndexResp struct {
	Symbol    string `json:"symbol"`
	MarkPrice string `json:"markPrice"`
}

type userTrade struct {
	OrderID     int64  `json:"orderId"`
	RealizedPnl string `json:"realizedPnl"`
}

type exchangeInfoResp struct {
	Symbols []struct {
		Symbol  string `json:"symbol"`
		Filters []struct {
			FilterType  string `json:"filterType"`
			TickSize    string `json:"tickSize"`
			StepSize    string `json:"stepSize"`
			MinQty      string `json:"minQty"`
			MinNotional string `json:"notional"`
		} `json:"filters"`
	} `json:"symbols"`
}
