package types

import (
	"encoding/json"
	"testing"
)

func TestFillOpRoundTrip(t *testing.T) {
	t.Parallel()

	raw := `{"block_num":12345,"id":"1.11.900","op":[4,{"order_id":"1.7.42","pays":{"amount":"150000","asset_id":"1.3.0"},"receives":{"amount":"1515","asset_id":"1.3.121"},"is_maker":true}]}`

	var op FillOp
	if err := json.Unmarshal([]byte(raw), &op); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if op.OpType != FillOpType {
		t.Errorf("OpType = %d, want %d", op.OpType, FillOpType)
	}
	if op.Op.OrderID != "1.7.42" {
		t.Errorf("OrderID = %q, want 1.7.42", op.Op.OrderID)
	}
	if op.Op.Pays.Amount != "150000" || op.Op.Pays.AssetID != "1.3.0" {
		t.Errorf("Pays = %+v", op.Op.Pays)
	}
	if !op.Op.Maker() {
		t.Error("Maker() = false, want true")
	}

	out, err := json.Marshal(op)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back FillOp
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("re-unmarshal: %v", err)
	}
	if back.Op.OrderID != op.Op.OrderID || back.Op.Pays != op.Op.Pays || back.Op.Receives != op.Op.Receives ||
		back.Op.IsMaker == nil || *back.Op.IsMaker != *op.Op.IsMaker ||
		back.ID != op.ID || back.BlockNum != op.BlockNum {
		t.Errorf("round trip mismatch: %+v vs %+v", back, op)
	}
}

func TestFillOpMakerDefault(t *testing.T) {
	t.Parallel()

	// is_maker omitted — defaults to true.
	raw := `{"block_num":1,"id":"1.11.1","op":[4,{"order_id":"1.7.1","pays":{"amount":"1","asset_id":"1.3.0"},"receives":{"amount":"1","asset_id":"1.3.1"}}]}`
	var op FillOp
	if err := json.Unmarshal([]byte(raw), &op); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !op.Op.Maker() {
		t.Error("Maker() = false for omitted is_maker, want true")
	}
}

func TestFillOpBadTuple(t *testing.T) {
	t.Parallel()

	raw := `{"block_num":1,"id":"1.11.2","op":[4]}`
	var op FillOp
	if err := json.Unmarshal([]byte(raw), &op); err == nil {
		t.Error("expected error for 1-element op tuple")
	}
}

func TestOrderClone(t *testing.T) {
	t.Parallel()

	orig := &Order{
		ID:           "slot-3",
		Price:        101.5,
		Type:         OrderSell,
		State:        StatePartial,
		Size:         12.5,
		ChainOrderID: "1.7.99",
		IdealSize:    25,
		RawOnChain:   &ChainOrder{ID: "1.7.99", ForSale: "1250000"},
	}

	c := orig.Clone()
	c.Size = 99
	c.RawOnChain.ForSale = "0"

	if orig.Size != 12.5 {
		t.Errorf("clone mutated original size: %v", orig.Size)
	}
	if orig.RawOnChain.ForSale != "1250000" {
		t.Errorf("clone shares RawOnChain with original")
	}
}

func TestSideOpposite(t *testing.T) {
	t.Parallel()

	if SideBuy.Opposite() != SideSell || SideSell.Opposite() != SideBuy {
		t.Error("Opposite() is not an involution")
	}
	if OrderBuy.Side() != SideBuy || OrderSell.Side() != SideSell {
		t.Error("OrderType.Side() mapping wrong")
	}
}
