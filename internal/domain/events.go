package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// FillEvent is one execution report from the broker. Events are queued and
// applied in arrival order by a single apply loop, so out-of-order callback
// races cannot corrupt the record.
type FillEvent struct {
	OrderID       string // our id (the broker echoes it as the client order id)
	BrokerOrderID string
	Symbol        string
	Qty           int64
	Price         decimal.Decimal
	At            time.Time
}
