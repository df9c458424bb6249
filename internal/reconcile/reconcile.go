// Package reconcile compares local order and position bookkeeping against the
// broker, which is the source of truth.
package reconcile

import (
	"fmt"
	"sort"

	"github.com/ksred/klear-trader/internal/broker"
	"github.com/ksred/klear-trader/internal/types"
)

type Kind string

const (
	UnexpectedOnBroker Kind = "UnexpectedOnBroker"
	MissingOnBroker    Kind = "MissingOnBroker"
	PositionMismatch   Kind = "PositionMismatch"
)

// Discrepancy is one disagreement between the broker and local state
type Discrepancy struct {
	Kind          Kind   `json:"kind"`
	Symbol        string `json:"symbol,omitempty"`
	ClientOrderID string `json:"client_order_id,omitempty"`
	BrokerOrderID string `json:"broker_order_id,omitempty"`
	BrokerQty     int64  `json:"broker_qty"`
	LocalQty      int64  `json:"local_qty"`
	Detail        string `json:"detail"`
}

// Report is advisory. RecommendHalt is set when the broker knows something
// local state does not; RefreshOrders lists local orders whose status must be
// polled because the broker no longer reports them open.
type Report struct {
	Discrepancies []Discrepancy `json:"discrepancies"`
	RecommendHalt bool          `json:"recommend_halt"`
	RefreshOrders []types.Order `json:"refresh_orders"`
	Adopted       []Adoption    `json:"adopted,omitempty"`
}

// Adoption is a local order without a broker id that the broker reports open
// under its client order id
type Adoption struct {
	Order         types.Order       `json:"order"`
	BrokerOrderID string            `json:"broker_order_id"`
	Status        types.OrderStatus `json:"status"`
}

// Count returns the number of discrepancies of kind k
func (r Report) Count(k Kind) int {
	n := 0
	for _, d := range r.Discrepancies {
		if d.Kind == k {
			n++
		}
	}
	return n
}

// Clean reports whether broker and local state agree
func (r Report) Clean() bool {
	return len(r.Discrepancies) == 0
}

// Reconcile classifies every difference between the broker's open orders and
// positions and the local open orders and ledger positions.
func Reconcile(brokerOrders []broker.OpenOrder, brokerPositions []broker.Position, localOrders []types.Order, localPositions []types.Position) Report {
	var report Report

	byBrokerID := make(map[string]*types.Order, len(localOrders))
	byClientID := make(map[string]*types.Order, len(localOrders))
	matched := make(map[string]bool, len(localOrders))
	for i := range localOrders {
		o := &localOrders[i]
		if !o.Status.IsOpen() {
			continue
		}
		byClientID[o.ClientOrderID] = o
		if id := o.BrokerID(); id != "" {
			byBrokerID[id] = o
		}
	}

	for _, bo := range brokerOrders {
		local, ok := byBrokerID[bo.BrokerOrderID]
		if !ok && bo.ClientOrderID != "" {
			local, ok = byClientID[bo.ClientOrderID]
		}
		if ok {
			matched[local.ClientOrderID] = true
			if local.BrokerID() == "" && bo.BrokerOrderID != "" {
				report.Adopted = append(report.Adopted, Adoption{Order: *local, BrokerOrderID: bo.BrokerOrderID, Status: bo.Status})
			}
			continue
		}
		report.Discrepancies = append(report.Discrepancies, Discrepancy{
			Kind:          UnexpectedOnBroker,
			Symbol:        bo.Symbol,
			ClientOrderID: bo.ClientOrderID,
			BrokerOrderID: bo.BrokerOrderID,
			BrokerQty:     bo.Quantity,
			Detail:        fmt.Sprintf("broker has open %s %d %s not in local records", bo.Side, bo.Quantity, bo.Symbol),
		})
		report.RecommendHalt = true
	}

	for i := range localOrders {
		o := localOrders[i]
		if !o.Status.IsOpen() || matched[o.ClientOrderID] {
			continue
		}
		report.Discrepancies = append(report.Discrepancies, Discrepancy{
			Kind:          MissingOnBroker,
			Symbol:        o.Symbol,
			ClientOrderID: o.ClientOrderID,
			BrokerOrderID: o.BrokerID(),
			LocalQty:      o.Quantity,
			Detail:        fmt.Sprintf("local %s order not open at broker", o.Status),
		})
		report.RefreshOrders = append(report.RefreshOrders, o)
	}

	brokerQty := make(map[string]int64)
	for _, p := range brokerPositions {
		brokerQty[p.Symbol] += p.Quantity
	}
	localQty := make(map[string]int64)
	for _, p := range localPositions {
		localQty[p.Symbol] += p.Quantity
	}

	symbols := make([]string, 0, len(brokerQty)+len(localQty))
	seen := make(map[string]bool)
	for sym := range brokerQty {
		symbols = append(symbols, sym)
		seen[sym] = true
	}
	for sym, qty := range localQty {
		if qty != 0 && !seen[sym] {
			symbols = append(symbols, sym)
		}
	}
	sort.Strings(symbols)

	for _, sym := range symbols {
		b, l := brokerQty[sym], localQty[sym]
		if b == l {
			continue
		}
		report.Discrepancies = append(report.Discrepancies, Discrepancy{
			Kind:      PositionMismatch,
			Symbol:    sym,
			BrokerQty: b,
			LocalQty:  l,
			Detail:    fmt.Sprintf("broker position %d, ledger position %d", b, l),
		})
		report.RecommendHalt = true
	}

	return report
}
