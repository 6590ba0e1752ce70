package realtime

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/marcus-qen/sqlpulse/internal/protocol"
	"go.uber.org/zap"
)

func newTestRouter(max int) (*Registry, *Router) {
	reg := NewRegistry(max, nil)
	return reg, NewRouter(reg, zap.NewNop(), nil)
}

func TestPublishDeliversOnlyToSubscribers(t *testing.T) {
	reg, router := newTestRouter(10)

	connA, connB, connC := newFakeConn(), newFakeConn(), newFakeConn()
	a, _ := reg.Register(connA, Identity{})
	b, _ := reg.Register(connB, Identity{})
	c, _ := reg.Register(connC, Identity{})
	reg.Subscribe(a.ID, protocol.ChannelQueries)
	reg.Subscribe(b.ID, protocol.ChannelQueries)
	reg.Subscribe(c.ID, protocol.ChannelTables)

	n, err := router.Publish(protocol.ChannelQueries, protocol.QueryStartedPayload{QueryID: "q1"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if n != 2 {
		t.Errorf("delivered: got %d want 2", n)
	}

	for name, conn := range map[string]*fakeConn{"a": connA, "b": connB} {
		msgs := conn.messages(t)
		if len(msgs) != 1 || msgs[0].Type != protocol.EventQueryStarted || msgs[0].Channel != protocol.ChannelQueries {
			t.Errorf("client %s: unexpected messages %+v", name, msgs)
		}
	}
	if got := connC.messages(t); len(got) != 0 {
		t.Errorf("tables subscriber received queries event: %+v", got)
	}
}

func TestPublishSharesMessageAcrossSubscribers(t *testing.T) {
	reg, router := newTestRouter(10)
	connA, connB := newFakeConn(), newFakeConn()
	a, _ := reg.Register(connA, Identity{})
	b, _ := reg.Register(connB, Identity{})
	reg.Subscribe(a.ID, protocol.ChannelNotifications)
	reg.Subscribe(b.ID, protocol.ChannelNotifications)

	if _, err := router.Publish(protocol.ChannelNotifications, protocol.ErrorPayload{Message: "disk nearly full"}); err != nil {
		t.Fatal(err)
	}
	if connA.messages(t)[0].ID != connB.messages(t)[0].ID {
		t.Error("every subscriber should see the same message id")
	}
}

func TestPublishEvictsFailingClient(t *testing.T) {
	reg, router := newTestRouter(10)
	good, bad := newFakeConn(), newFakeConn()
	bad.failSends(errors.New("broken pipe"))

	g, _ := reg.Register(good, Identity{})
	b, _ := reg.Register(bad, Identity{})
	reg.Subscribe(g.ID, protocol.ChannelTables)
	reg.Subscribe(b.ID, protocol.ChannelTables)

	n, err := router.Publish(protocol.ChannelTables, protocol.TableDroppedPayload{TablePayload: protocol.TablePayload{Table: "t"}})
	if err != nil {
		t.Fatalf("delivery failures must not surface to the publisher: %v", err)
	}
	if n != 1 {
		t.Errorf("delivered: got %d want 1", n)
	}
	if _, ok := reg.Get(b.ID); ok {
		t.Error("failing client should be deregistered")
	}
	if !bad.isClosed() {
		t.Error("failing client's transport should be closed")
	}
	if b.State() != StateClosed {
		t.Errorf("failing client state: %s", b.State())
	}
	if len(good.messages(t)) != 1 {
		t.Error("healthy subscriber should still receive the message")
	}
}

func TestPublishPreservesPerClientOrder(t *testing.T) {
	reg, router := newTestRouter(10)
	conn := newFakeConn()
	c, _ := reg.Register(conn, Identity{})
	reg.Subscribe(c.ID, protocol.ChannelQueries)

	const total = 50
	for i := 1; i <= total; i++ {
		if _, err := router.Publish(protocol.ChannelQueries, protocol.QueryProgressPayload{QueryID: "q", RowsProcessed: int64(i)}); err != nil {
			t.Fatal(err)
		}
	}

	msgs := conn.messages(t)
	if len(msgs) != total {
		t.Fatalf("received %d want %d", len(msgs), total)
	}
	for i, m := range msgs {
		var p protocol.QueryProgressPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			t.Fatal(err)
		}
		if p.RowsProcessed != int64(i+1) {
			t.Fatalf("message %d out of order: rowsProcessed=%d", i, p.RowsProcessed)
		}
	}
}

func TestPublishRejectsUnknownChannel(t *testing.T) {
	_, router := newTestRouter(10)
	if _, err := router.Publish(protocol.Channel("gossip"), protocol.HeartbeatPayload{}); !errors.Is(err, protocol.ErrUnknownChannel) {
		t.Fatalf("expected ErrUnknownChannel, got %v", err)
	}
}

func TestSendToUnknownClientIsSilent(t *testing.T) {
	_, router := newTestRouter(10)
	ok, err := router.SendTo("ghost", protocol.HeartbeatPayload{})
	if ok || err != nil {
		t.Errorf("got ok=%v err=%v", ok, err)
	}
}

func TestBroadcastIgnoresSubscriptions(t *testing.T) {
	reg, router := newTestRouter(10)
	connA, connB := newFakeConn(), newFakeConn()
	registerOpen(reg, connA)
	b := registerOpen(reg, connB)
	reg.Subscribe(b.ID, protocol.ChannelTables)

	n, err := router.Broadcast(protocol.HeartbeatPayload{ServerTime: 1})
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("delivered: got %d want 2", n)
	}
	for _, conn := range []*fakeConn{connA, connB} {
		msgs := conn.messages(t)
		if len(msgs) != 1 || msgs[0].Channel != protocol.ChannelSystem {
			t.Errorf("unexpected broadcast delivery: %+v", msgs)
		}
	}
}

func TestBroadcastSkipsConnectingClients(t *testing.T) {
	reg, router := newTestRouter(10)
	pending, ready := newFakeConn(), newFakeConn()
	reg.Register(pending, Identity{})
	registerOpen(reg, ready)

	n, err := router.Broadcast(protocol.HeartbeatPayload{ServerTime: 1})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("delivered: got %d want 1", n)
	}
	if msgs := pending.messages(t); len(msgs) != 0 {
		t.Errorf("connecting client received %d messages before its ack", len(msgs))
	}
}
