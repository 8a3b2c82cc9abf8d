package telegraph

import (
	"context"
	"errors"
	"testing"
	"time"
)

// Compile-time interface compliance checks.
var _ Adapter = (*MockAdapter)(nil)
var _ BotUserIDer = (*MockAdapter)(nil)
var _ CommandRegistrar = (*MockAdapter)(nil)

func TestMockAdapter_ConnectAndClose(t *testing.T) {
	m := NewMockAdapter()
	ctx := context.Background()

	if err := m.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Connect after close should fail.
	if err := m.Connect(ctx); err == nil {
		t.Fatal("Connect after Close should fail")
	}
	// Double close should be safe.
	if err := m.Close(); err != nil {
		t.Fatalf("double Close should succeed: %v", err)
	}
}

func TestMockAdapter_ListenRequiresConnect(t *testing.T) {
	m := NewMockAdapter()
	if _, err := m.Listen(context.Background()); err == nil {
		t.Fatal("Listen before Connect should fail")
	}
}

func TestMockAdapter_SendRequiresConnect(t *testing.T) {
	m := NewMockAdapter()
	res := m.Send(context.Background(), OutboundMessage{Text: "hello"})
	if res.Kind != SendFailed {
		t.Fatalf("Send before Connect = %v, want failed", res)
	}
	if res := m.SendPhoto(context.Background(), MediaMessage{}); res.Kind != SendFailed {
		t.Fatalf("SendPhoto before Connect = %v, want failed", res)
	}
}

func TestMockAdapter_SimulateInbound(t *testing.T) {
	m := NewMockAdapter()
	ctx := context.Background()
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ch, err := m.Listen(ctx)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	m.SimulateInbound(InboundMessage{
		Platform:  "test",
		ChannelID: "C123",
		UserID:    "U456",
		UserName:  "alice",
		Text:      "hello world",
	})

	select {
	case msg := <-ch:
		if msg.Text != "hello world" {
			t.Errorf("Text = %q, want %q", msg.Text, "hello world")
		}
		if msg.Identity() != "test:U456" {
			t.Errorf("Identity = %q, want %q", msg.Identity(), "test:U456")
		}
		if msg.Timestamp.IsZero() {
			t.Error("Timestamp should be set automatically")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inbound message")
	}
}

func TestMockAdapter_ScriptedResults(t *testing.T) {
	m := NewMockAdapter()
	ctx := context.Background()
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	m.ScriptResults(Relocated("-200"), Failed(errors.New("boom")))

	if res := m.Send(ctx, OutboundMessage{ChannelID: "-100", Text: "a"}); res.Kind != SendRelocated || res.NewChannelID != "-200" {
		t.Errorf("first send = %v, want relocated to -200", res)
	}
	if res := m.SendDocument(ctx, MediaMessage{ChannelID: "-100"}); res.Kind != SendFailed {
		t.Errorf("second send = %v, want failed", res)
	}
	if res := m.Send(ctx, OutboundMessage{ChannelID: "-200", Text: "b"}); !res.OK() {
		t.Errorf("third send = %v, want delivered", res)
	}

	// Only delivered messages are recorded.
	if m.SentCount() != 1 {
		t.Fatalf("SentCount = %d, want 1", m.SentCount())
	}
	if len(m.AllMedia()) != 0 {
		t.Errorf("AllMedia = %d, want 0", len(m.AllMedia()))
	}
	last, _ := m.LastSent()
	if last.Text != "b" {
		t.Errorf("LastSent.Text = %q, want %q", last.Text, "b")
	}
	if got := m.SentTo("-200"); len(got) != 1 {
		t.Errorf("SentTo(-200) = %d messages, want 1", len(got))
	}
}

func TestMockAdapter_MediaCopiesData(t *testing.T) {
	m := NewMockAdapter()
	ctx := context.Background()
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	data := []byte("png")
	m.SendPhoto(ctx, MediaMessage{ChannelID: "C1", FileName: "a.png", Data: data, Caption: "cap"})
	data[0] = 'X'

	media := m.AllMedia()
	if len(media) != 1 {
		t.Fatalf("AllMedia = %d, want 1", len(media))
	}
	if media[0].Kind != "photo" || media[0].Caption != "cap" {
		t.Errorf("media = %+v", media[0])
	}
	if string(media[0].Data) != "png" {
		t.Errorf("Data = %q, want %q", media[0].Data, "png")
	}
}

func TestMockAdapter_Download(t *testing.T) {
	m := NewMockAdapter()
	ctx := context.Background()

	m.SetFile("f1", []byte("jpeg"))
	data, err := m.Download(ctx, FileRef{ID: "f1"})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if string(data) != "jpeg" {
		t.Errorf("Download = %q, want %q", data, "jpeg")
	}

	if _, err := m.Download(ctx, FileRef{ID: "missing"}); err == nil {
		t.Error("Download of unknown file should fail")
	}

	m.SetDownloadError(errors.New("timeout"))
	if _, err := m.Download(ctx, FileRef{ID: "f1"}); err == nil {
		t.Error("Download should fail after SetDownloadError")
	}
}

func TestMockAdapter_RegisterCommands(t *testing.T) {
	m := NewMockAdapter()
	cmds := []BotCommand{{Command: "start", Description: "Report an issue"}}
	if err := m.RegisterCommands(context.Background(), cmds); err != nil {
		t.Fatalf("RegisterCommands: %v", err)
	}
	cmds[0].Command = "mutated"
	got := m.Commands()
	if len(got) != 1 || got[0].Command != "start" {
		t.Errorf("Commands = %+v", got)
	}
}

func TestSendResult_String(t *testing.T) {
	tests := []struct {
		res  SendResult
		want string
	}{
		{Delivered(), "delivered"},
		{Relocated("-42"), "relocated to -42"},
		{Failed(errors.New("boom")), "failed: boom"},
	}
	for _, tt := range tests {
		if got := tt.res.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
	if got := SendKind(9).String(); got != "SendKind(9)" {
		t.Errorf("unknown kind = %q", got)
	}
}
