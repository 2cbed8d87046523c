package clob

import (
	"math/big"

	"github.com/crashhedge/crashbot/internal/domain"
)

// OrderRequest is a limit order to place on the exchange book.
type OrderRequest struct {
	TokenID       string
	ClientOrderID string
	Side          domain.OrderSide
	// Price is the limit price in probability units, (0, 1].
	Price float64
	// Size is the number of shares.
	Size float64
}

// OrderResult is the exchange's response to a placement.
type OrderResult struct {
	Success bool   `json:"success"`
	OrderID string `json:"orderID"`
	Status  string `json:"status"`
	Message string `json:"errorMsg"`
}

// apiOrder is the exchange's order record as returned by GET /order.
type apiOrder struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Price        string `json:"price"`
	OriginalSize string `json:"original_size"`
	SizeMatched  string `json:"size_matched"`
}

// OrderState is the normalized view of an exchange order record.
type OrderState struct {
	OrderID     string
	Status      domain.OrderStatus
	Price       float64
	Size        float64
	SizeMatched float64
}

// MapStatus converts an exchange status string to the domain lifecycle
// status. Matched size disambiguates live orders with partial fills.
func MapStatus(status string, sizeMatched, size float64) domain.OrderStatus {
	switch status {
	case "matched":
		return domain.OrderStatusFilled
	case "live", "delayed":
		if sizeMatched > 0 && sizeMatched < size {
			return domain.OrderStatusPartiallyFilled
		}
		if sizeMatched >= size && size > 0 {
			return domain.OrderStatusFilled
		}
		return domain.OrderStatusAcknowledged
	case "canceled", "cancelled":
		return domain.OrderStatusCancelled
	case "expired":
		return domain.OrderStatusExpired
	case "unmatched", "rejected":
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatusSubmitted
	}
}

const usdcDecimals = 1_000_000

// amounts converts a probability-priced share order into the integer maker
// and taker amounts the exchange expects, both in 6-decimal units. For a buy
// the maker amount is collateral spent, the taker amount is shares received.
func amounts(side domain.OrderSide, price, size float64) (maker, taker *big.Int) {
	shares := new(big.Int).SetInt64(int64(size*usdcDecimals + 0.5))
	collateral := new(big.Int).SetInt64(int64(price*size*usdcDecimals + 0.5))
	if side == domain.OrderSideBuy {
		return collateral, shares
	}
	return shares, collateral
}
