package exchange

import (
	"testing"

	"shortbot/pkg/types"
)

func testStream() *UserStream {
	return &UserStream{
		updateCh:    make(chan types.OrderUpdate, 4),
		reconnectCh: make(chan struct{}, 1),
		logger:      testLogger(),
	}
}

func TestDispatchDeliversFilledTrades(t *testing.T) {
	t.Parallel()
	s := testStream()

	msg := []byte(`{"e":"ORDER_TRADE_UPDATE","E":1700000000000,"o":{"s":"SOLUSDT","c":"cid-1","S":"SELL","x":"TRADE","X":"FILLED","i":9001,"l":"0.1","z":"0.1","L":"100.5","ap":"100.5","n":"0.004"}}`)
	if err := s.dispatchMessage(msg); err != nil {
		t.Fatalf("dispatchMessage: %v", err)
	}

	select {
	case upd := <-s.updateCh:
		if upd.OrderID != 9001 || upd.Symbol != "SOLUSDT" || upd.AvgPrice != 100.5 {
			t.Errorf("update = %+v", upd)
		}
		if upd.Commission != 0.004 {
			t.Errorf("commission = %v, want 0.004", upd.Commission)
		}
		if !upd.Filled() {
			t.Error("delivered update should report filled")
		}
	default:
		t.Fatal("no update delivered for a filled trade")
	}
}

func TestDispatchDropsPartialAndNonTrade(t *testing.T) {
	t.Parallel()
	s := testStream()

	msgs := [][]byte{
		[]byte(`{"e":"ORDER_TRADE_UPDATE","o":{"s":"SOLUSDT","x":"TRADE","X":"PARTIALLY_FILLED","i":9002,"L":"100.5"}}`),
		[]byte(`{"e":"ORDER_TRADE_UPDATE","o":{"s":"SOLUSDT","x":"NEW","X":"NEW","i":9003}}`),
		[]byte(`{"e":"ACCOUNT_UPDATE"}`),
	}
	for _, msg := range msgs {
		if err := s.dispatchMessage(msg); err != nil {
			t.Fatalf("dispatchMessage(%s): %v", msg, err)
		}
	}

	select {
	case upd := <-s.updateCh:
		t.Fatalf("unexpected update delivered: %+v", upd)
	default:
	}
}

func TestDispatchListenKeyExpired(t *testing.T) {
	t.Parallel()
	s := testStream()

	if err := s.dispatchMessage([]byte(`{"e":"listenKeyExpired"}`)); err == nil {
		t.Fatal("expected an error forcing a reconnect")
	}
}
