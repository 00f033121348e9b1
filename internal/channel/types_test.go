package channel

import (
	"errors"
	"testing"
)

func TestReplyValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		reply   Reply
		wantErr bool
	}{
		{name: "text", reply: TextReply("hi")},
		{name: "error", reply: ErrorReply("服务暂不可用")},
		{name: "info", reply: InfoReply("记忆已清除")},
		{name: "image url", reply: ImageURLReply("https://x/y.png")},
		{name: "video url", reply: VideoURLReply("https://x/y.mp4")},
		{name: "image path", reply: FileReply(ReplyImage, "/tmp/a.png")},
		{name: "voice bytes", reply: BytesReply(ReplyVoice, []byte{1, 2})},
		{name: "empty text", reply: TextReply(""), wantErr: true},
		{name: "text with url", reply: Reply{Kind: ReplyText, URL: "https://x"}, wantErr: true},
		{name: "two payloads", reply: Reply{Kind: ReplyImage, Path: "/a", Data: []byte{1}}, wantErr: true},
		{name: "image url as path", reply: Reply{Kind: ReplyImageURL, Path: "/a"}, wantErr: true},
		{name: "unknown kind", reply: Reply{Kind: "gif", Text: "x"}, wantErr: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.reply.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected error for %+v", tc.reply)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestReplyIsTerminal(t *testing.T) {
	t.Parallel()

	if !ErrorReply("x").IsTerminal() || !InfoReply("x").IsTerminal() {
		t.Fatal("error and info replies are terminal")
	}
	if TextReply("x").IsTerminal() || ImageURLReply("u").IsTerminal() {
		t.Fatal("content replies are not terminal")
	}
}

func TestContextTarget(t *testing.T) {
	t.Parallel()

	c := Context{Message: &Message{Channel: "feishu", ReplyTarget: "chat_id:oc_1"}}
	c.Set(AttrReplyToMessageID, " om_1 ")
	got := c.Target()
	if got.Channel != "feishu" || got.ID != "chat_id:oc_1" || got.ReplyToMessageID != "om_1" {
		t.Fatalf("unexpected target: %+v", got)
	}
	if (&Context{}).Target() != (Target{}) {
		t.Fatal("context without message has empty target")
	}
}

func TestUnsupportedKindWraps(t *testing.T) {
	t.Parallel()

	err := UnsupportedKind("sticker")
	if !errors.Is(err, ErrUnsupportedKind) {
		t.Fatalf("expected ErrUnsupportedKind, got %v", err)
	}
}
