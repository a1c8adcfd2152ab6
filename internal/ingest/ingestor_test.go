package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/convergecrm/wabridge/internal/adapter"
	"github.com/convergecrm/wabridge/internal/broadcast"
	"github.com/convergecrm/wabridge/internal/domain"
	"github.com/convergecrm/wabridge/internal/session"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// A pooled second connection would see its own empty in-memory database.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(domain.Tables...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func testIngestor(t *testing.T) (*Ingestor, *gorm.DB) {
	t.Helper()
	db := testDB(t)
	return NewIngestor(db, NewResolver(db), broadcast.New()), db
}

func inboundText(providerID, chat, body string) adapter.MessageEvent {
	return adapter.MessageEvent{
		ProviderID: providerID,
		ChatJID:    chat,
		SenderJID:  chat,
		PushName:   "Maria",
		Timestamp:  time.Now(),
		Content:    adapter.TextContent{Text: body},
	}
}

func TestIngestRedeliveryIsIdempotent(t *testing.T) {
	ig, db := testIngestor(t)
	ctx := context.Background()
	ev := inboundText("wa1", "5511999999999@s.whatsapp.net", "oi")

	first, err := ig.IngestMessage(ctx, "s1", ev)
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	second, err := ig.IngestMessage(ctx, "s1", ev)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("redelivery created a new row: %s vs %s", second.ID, first.ID)
	}

	var msgCount, convCount int64
	db.Model(&domain.Message{}).Count(&msgCount)
	db.Model(&domain.Conversation{}).Count(&convCount)
	if msgCount != 1 || convCount != 1 {
		t.Fatalf("rows = %d messages, %d conversations, want 1 and 1", msgCount, convCount)
	}

	var conv domain.Conversation
	db.First(&conv)
	if conv.UnreadCount != 1 {
		t.Fatalf("unread = %d, want 1", conv.UnreadCount)
	}
	if conv.ID != "s1_5511999999999@s.whatsapp.net" {
		t.Fatalf("conversation id = %q", conv.ID)
	}
}

func TestConcurrentFirstContactYieldsOneConversation(t *testing.T) {
	ig, db := testIngestor(t)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		id := i
		go func() {
			defer wg.Done()
			ev := inboundText(fmt.Sprintf("wa-c%d", id), "5511888888888@s.whatsapp.net", "msg")
			if _, err := ig.IngestMessage(ctx, "s1", ev); err != nil {
				t.Errorf("ingest %d: %v", id, err)
			}
		}()
	}
	wg.Wait()

	var convCount int64
	db.Model(&domain.Conversation{}).Count(&convCount)
	if convCount != 1 {
		t.Fatalf("conversations = %d, want 1", convCount)
	}
	var msgCount int64
	db.Model(&domain.Message{}).Count(&msgCount)
	if msgCount != n {
		t.Fatalf("messages = %d, want %d", msgCount, n)
	}
}

func TestUnreadCountingAndMarkRead(t *testing.T) {
	ig, db := testIngestor(t)
	ctx := context.Background()
	chat := "5511999999999@s.whatsapp.net"

	for _, id := range []string{"wa1", "wa2", "wa3"} {
		if _, err := ig.IngestMessage(ctx, "s1", inboundText(id, chat, "oi")); err != nil {
			t.Fatalf("ingest %s: %v", id, err)
		}
	}
	// outbound traffic never bumps the badge
	if _, err := ig.IngestOutbound(ctx, "s1", session.Outbound{ProviderID: "wa4", ChatJID: chat, Text: "ola"}); err != nil {
		t.Fatalf("outbound: %v", err)
	}

	convID := domain.ConversationID("s1", chat)
	var conv domain.Conversation
	db.Where("id = ?", convID).First(&conv)
	if conv.UnreadCount != 3 {
		t.Fatalf("unread = %d, want 3", conv.UnreadCount)
	}

	updated, err := ig.MarkRead(ctx, convID)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if updated.UnreadCount != 0 {
		t.Fatalf("unread after mark-read = %d, want 0", updated.UnreadCount)
	}
	if updated.Status != domain.ConversationActive {
		t.Fatalf("status after mark-read = %s, want %s", updated.Status, domain.ConversationActive)
	}

	var unreadMsgs int64
	db.Model(&domain.Message{}).
		Where("conversation_id = ? and direction = ? and read = ?", convID, domain.DirectionIn, false).
		Count(&unreadMsgs)
	if unreadMsgs != 0 {
		t.Fatalf("inbound messages still unread: %d", unreadMsgs)
	}
}

func TestOutboundStoredReadWithSentStatus(t *testing.T) {
	ig, db := testIngestor(t)
	msg, err := ig.IngestOutbound(context.Background(), "s1", session.Outbound{
		ProviderID:    "wa-out",
		ChatJID:       "5511999999999@s.whatsapp.net",
		CorrelationID: "corr-9",
		Text:          "hi",
	})
	if err != nil {
		t.Fatalf("outbound: %v", err)
	}
	if !msg.Read || msg.Status != domain.StatusSent || msg.Direction != domain.DirectionOut {
		t.Fatalf("outbound row = read=%v status=%s direction=%s", msg.Read, msg.Status, msg.Direction)
	}
	var stored domain.Message
	db.Where("provider_message_id = ?", "wa-out").First(&stored)
	if stored.CorrelationID != "corr-9" {
		t.Fatalf("correlation id = %q", stored.CorrelationID)
	}
}

func TestEchoAfterOutboundKeepsOneRow(t *testing.T) {
	ig, db := testIngestor(t)
	ctx := context.Background()
	chat := "5511999999999@s.whatsapp.net"

	if _, err := ig.IngestOutbound(ctx, "s1", session.Outbound{
		ProviderID: "wa-echo", ChatJID: chat, CorrelationID: "corr-1", Text: "hi",
	}); err != nil {
		t.Fatalf("outbound: %v", err)
	}
	echo := inboundText("wa-echo", chat, "hi")
	echo.FromMe = true
	if _, err := ig.IngestMessage(ctx, "s1", echo); err != nil {
		t.Fatalf("echo ingest: %v", err)
	}

	var count int64
	db.Model(&domain.Message{}).Where("provider_message_id = ?", "wa-echo").Count(&count)
	if count != 1 {
		t.Fatalf("rows for echoed send = %d, want 1", count)
	}
}

func TestStatusMonotonicity(t *testing.T) {
	ig, db := testIngestor(t)
	ctx := context.Background()
	chat := "5511999999999@s.whatsapp.net"

	if _, err := ig.IngestOutbound(ctx, "s1", session.Outbound{ProviderID: "wa1", ChatJID: chat, Text: "hi"}); err != nil {
		t.Fatalf("outbound: %v", err)
	}

	receipt := func(status string) {
		ig.ApplyReceipt(ctx, "s1", adapter.ReceiptEvent{
			MessageIDs: []string{"wa1"}, ChatJID: chat, Status: status, Timestamp: time.Now(),
		})
	}
	receipt(domain.StatusDelivered)
	receipt(domain.StatusRead)
	// out-of-order regression must be ignored
	receipt(domain.StatusDelivered)

	var msg domain.Message
	db.Where("provider_message_id = ?", "wa1").First(&msg)
	if msg.Status != domain.StatusRead {
		t.Fatalf("status = %s, want %s", msg.Status, domain.StatusRead)
	}
}

func TestAckBeforeIngestIsParkedAndReplayed(t *testing.T) {
	ig, db := testIngestor(t)
	ctx := context.Background()
	chat := "5511999999999@s.whatsapp.net"

	// the ack outruns the message
	ig.ApplyReceipt(ctx, "s1", adapter.ReceiptEvent{
		MessageIDs: []string{"wa-early"}, ChatJID: chat,
		Status: domain.StatusDelivered, Timestamp: time.Now(),
	})
	if ig.ParkedAcks() != 1 {
		t.Fatalf("parked = %d, want 1", ig.ParkedAcks())
	}

	if _, err := ig.IngestOutbound(ctx, "s1", session.Outbound{ProviderID: "wa-early", ChatJID: chat, Text: "hi"}); err != nil {
		t.Fatalf("outbound: %v", err)
	}

	var msg domain.Message
	db.Where("provider_message_id = ?", "wa-early").First(&msg)
	if msg.Status != domain.StatusDelivered {
		t.Fatalf("status = %s, want replayed %s", msg.Status, domain.StatusDelivered)
	}
	if ig.ParkedAcks() != 0 {
		t.Fatalf("parked after replay = %d, want 0", ig.ParkedAcks())
	}
}

func TestMalformedPayloadDegradesToOther(t *testing.T) {
	ig, _ := testIngestor(t)
	msg, err := ig.IngestMessage(context.Background(), "s1", adapter.MessageEvent{
		ProviderID: "wa-x",
		ChatJID:    "5511999999999@s.whatsapp.net",
		SenderJID:  "5511999999999@s.whatsapp.net",
		Timestamp:  time.Now(),
		Content:    nil,
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if msg.Type != domain.TypeOther || msg.Body != "Mensagem" {
		t.Fatalf("degraded row = type=%s body=%q", msg.Type, msg.Body)
	}
}

func TestContactRegisteredOnFirstContact(t *testing.T) {
	ig, db := testIngestor(t)
	if _, err := ig.IngestMessage(context.Background(), "s1",
		inboundText("wa1", "5511999999999@s.whatsapp.net", "oi")); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	var partner domain.SysPartner
	if err := db.Where("phone = ?", "5511999999999").First(&partner).Error; err != nil {
		t.Fatalf("contact row missing: %v", err)
	}
	if partner.Name != "Maria" {
		t.Fatalf("contact name = %q", partner.Name)
	}
}
