package feishu

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/memohai/chatgate/internal/channel"
	"github.com/memohai/chatgate/internal/media"
)

func strPtr(s string) *string { return &s }

type sentMessage struct {
	receiveType string
	receiveID   string
	replyTo     string
	msgType     string
	content     string
}

type fakeIMGateway struct {
	mu         sync.Mutex
	sent       []sentMessage
	images     int
	files      []string
	sendCode   int
	sendMsg    string
	uploadErr  error
	resourceFn func(messageID, key, typ string) (io.Reader, error)
}

func (g *fakeIMGateway) sendErr(op string) error {
	if g.sendCode == 0 {
		return nil
	}
	return responseError(op, g.sendCode, g.sendMsg)
}

func (g *fakeIMGateway) CreateMessage(_ context.Context, receiveType, receiveID, msgType, content string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, sentMessage{receiveType: receiveType, receiveID: receiveID, msgType: msgType, content: content})
	return g.sendErr("send")
}

func (g *fakeIMGateway) ReplyMessage(_ context.Context, messageID, msgType, content string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, sentMessage{replyTo: messageID, msgType: msgType, content: content})
	return g.sendErr("reply")
}

func (g *fakeIMGateway) UploadImage(_ context.Context, image io.Reader) (string, error) {
	if _, err := io.ReadAll(image); err != nil {
		return "", err
	}
	if g.uploadErr != nil {
		return "", g.uploadErr
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.images++
	return "img_key_1", nil
}

func (g *fakeIMGateway) UploadFile(_ context.Context, fileType, _ string, file io.Reader) (string, error) {
	if _, err := io.ReadAll(file); err != nil {
		return "", err
	}
	if g.uploadErr != nil {
		return "", g.uploadErr
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.files = append(g.files, fileType)
	return "file_key_1", nil
}

func (g *fakeIMGateway) GetMessageResource(_ context.Context, messageID, key, typ string) (io.ReadCloser, error) {
	if g.resourceFn == nil {
		return nil, errors.New("not found (code: 230001)")
	}
	r, err := g.resourceFn(messageID, key, typ)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(r), nil
}

func (g *fakeIMGateway) messages() []sentMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]sentMessage(nil), g.sent...)
}

func newTestAdapter(t *testing.T, gw *fakeIMGateway) (*FeishuAdapter, string) {
	t.Helper()
	dir := t.TempDir()
	a := NewFeishuAdapter(nil, Config{AppID: "app", AppSecret: "secret", TmpDir: dir}, media.NewStager(nil, dir, media.MaxAssetBytes))
	a.im = gw
	return a, dir
}

func textEvent(chatType, chatID, text string, mentions []*larkim.MentionEvent) *larkim.P2MessageReceiveV1 {
	content, _ := json.Marshal(map[string]string{"text": text})
	return &larkim.P2MessageReceiveV1{
		Event: &larkim.P2MessageReceiveV1Data{
			Message: &larkim.EventMessage{
				MessageId:   strPtr("om_1"),
				MessageType: strPtr(larkim.MsgTypeText),
				Content:     strPtr(string(content)),
				ChatType:    strPtr(chatType),
				ChatId:      strPtr(chatID),
				CreateTime:  strPtr("1700000000000"),
				Mentions:    mentions,
			},
			Sender: &larkim.EventSender{
				SenderId: &larkim.UserId{
					UserId: strPtr("u_1"),
					OpenId: strPtr("ou_1"),
				},
			},
		},
	}
}

func mediaEvent(msgType, content string) *larkim.P2MessageReceiveV1 {
	event := textEvent("p2p", "oc_1", "", nil)
	event.Event.Message.MessageType = strPtr(msgType)
	event.Event.Message.Content = strPtr(content)
	return event
}

func TestNormalizeEventP2PText(t *testing.T) {
	t.Parallel()

	got, err := normalizeEvent(textEvent("p2p", "oc_1", " hi ", nil), normalizeOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Kind != channel.KindText || got.Text != "hi" {
		t.Fatalf("unexpected message: %#v", got)
	}
	if got.IsGroup {
		t.Fatal("p2p message marked as group")
	}
	if got.ReplyTarget != "open_id:ou_1" || got.ConversationID != "ou_1" || got.SenderID != "ou_1" {
		t.Fatalf("unexpected routing fields: %#v", got)
	}
	if got.ReceivedAt.UnixMilli() != 1700000000000 {
		t.Fatalf("unexpected received time: %v", got.ReceivedAt)
	}
	if got.Mentioned {
		t.Fatal("p2p message without mentions marked as mentioned")
	}
}

func TestNormalizeEventRequiresMessageID(t *testing.T) {
	t.Parallel()

	event := textEvent("p2p", "oc_1", "hi", nil)
	event.Event.Message.MessageId = nil
	if _, err := normalizeEvent(event, normalizeOptions{}); err == nil {
		t.Fatal("expected error for missing message_id")
	}
}

func TestNormalizeEventGroupStripsMentions(t *testing.T) {
	t.Parallel()

	mentions := []*larkim.MentionEvent{{
		Key:  strPtr("@_user_1"),
		Name: strPtr("bot"),
		Id:   &larkim.UserId{OpenId: strPtr("ou_bot")},
	}}
	got, err := normalizeEvent(textEvent("group", "oc_group", "@_user_1 画一只猫", mentions), normalizeOptions{BotOpenID: "ou_bot"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.IsGroup || !got.Mentioned {
		t.Fatalf("expected mentioned group message: %#v", got)
	}
	if got.Text != "画一只猫" {
		t.Fatalf("unexpected text: %q", got.Text)
	}
	if got.ReplyTarget != "chat_id:oc_group" || got.ConversationID != "oc_group" {
		t.Fatalf("unexpected group routing: %s %s", got.ReplyTarget, got.ConversationID)
	}
}

func TestNormalizeEventMentionOfOtherUserIgnored(t *testing.T) {
	t.Parallel()

	mentions := []*larkim.MentionEvent{{
		Key: strPtr("@_user_1"),
		Id:  &larkim.UserId{OpenId: strPtr("ou_other")},
	}}
	got, err := normalizeEvent(textEvent("group", "oc_group", "@_user_1 hi", mentions), normalizeOptions{BotOpenID: "ou_bot"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Mentioned {
		t.Fatal("mention of another user must not count")
	}
}

func TestNormalizeEventKeepsUnlistedMentionText(t *testing.T) {
	t.Parallel()

	mentions := []*larkim.MentionEvent{{
		Key: strPtr("@_user_2"),
		Id:  &larkim.UserId{OpenId: strPtr("ou_bot")},
	}}
	got, err := normalizeEvent(textEvent("group", "oc_group", "@_user_2 echo @_user_1", mentions), normalizeOptions{BotOpenID: "ou_bot"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Text != "echo @_user_1" {
		t.Fatalf("unexpected text: %q", got.Text)
	}
}

func TestNormalizeEventMentionByBotName(t *testing.T) {
	t.Parallel()

	mentions := []*larkim.MentionEvent{{Key: strPtr("@_user_1"), Name: strPtr("helper")}}
	got, err := normalizeEvent(textEvent("group", "oc_group", "@_user_1 hi", mentions), normalizeOptions{BotName: "helper"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Mentioned {
		t.Fatal("expected bot name mention to match")
	}
	got, _ = normalizeEvent(textEvent("group", "oc_group", "@_user_1 hi", mentions), normalizeOptions{BotName: "someone"})
	if got.Mentioned {
		t.Fatal("unexpected match for different bot name")
	}
}

func TestNormalizeEventPostFlattensText(t *testing.T) {
	t.Parallel()

	content := `{"title":"标题","content":[[{"tag":"at","user_id":"ou_bot"},{"tag":"text","text":"第一行"}],[{"tag":"text","text":"第二行"}]]}`
	got, err := normalizeEvent(mediaEvent(larkim.MsgTypePost, content), normalizeOptions{BotOpenID: "ou_bot"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Kind != channel.KindText || got.Text != "标题 第一行 第二行" {
		t.Fatalf("unexpected post text: %q", got.Text)
	}
	if !got.Mentioned {
		t.Fatal("expected at tag mention to match")
	}
}

func TestNormalizeEventImageResource(t *testing.T) {
	t.Parallel()

	gw := &fakeIMGateway{resourceFn: func(messageID, key, typ string) (io.Reader, error) {
		if messageID != "om_1" || key != "img_abc" || typ != resourceTypeImage {
			return nil, errors.New("unexpected resource request")
		}
		return strings.NewReader("jpeg-bytes"), nil
	}}
	a, dir := newTestAdapter(t, gw)

	got, err := a.Normalize(mediaEvent(larkim.MsgTypeImage, `{"image_key":"img_abc"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Kind != channel.KindImage || got.Resource == nil {
		t.Fatalf("unexpected message: %#v", got)
	}
	wantPath := filepath.Join(dir, "img_abc.jpg")
	if got.Resource.LocalPath() != wantPath || got.Content() != wantPath {
		t.Fatalf("unexpected local path: %s", got.Resource.LocalPath())
	}
	if _, err := os.Stat(wantPath); !os.IsNotExist(err) {
		t.Fatal("resource must not be fetched during normalization")
	}
	path, err := got.Resource.Prepare(context.Background())
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	data, _ := os.ReadFile(path)
	if string(data) != "jpeg-bytes" {
		t.Fatalf("unexpected resource content: %q", data)
	}
}

func TestNormalizeEventAudioIsVoice(t *testing.T) {
	t.Parallel()

	got, err := normalizeEvent(mediaEvent(larkim.MsgTypeAudio, `{"file_key":"file_v"}`), normalizeOptions{TmpDir: "tmp"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Kind != channel.KindVoice || got.Resource.LocalPath() != filepath.Join("tmp", "file_v.opus") {
		t.Fatalf("unexpected voice message: %#v", got)
	}
}

func TestNormalizeEventFileKeepsExtension(t *testing.T) {
	t.Parallel()

	got, err := normalizeEvent(mediaEvent(larkim.MsgTypeFile, `{"file_key":"file_1","file_name":"report.pdf"}`), normalizeOptions{TmpDir: "tmp"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Kind != channel.KindFile || filepath.Ext(got.Resource.LocalPath()) != ".pdf" {
		t.Fatalf("unexpected file message: %#v", got)
	}
}

func TestNormalizeEventSharing(t *testing.T) {
	t.Parallel()

	got, err := normalizeEvent(mediaEvent(msgTypeShareChat, `{"chat_id":"oc_shared"}`), normalizeOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Kind != channel.KindSharing || got.Text != "oc_shared" {
		t.Fatalf("unexpected sharing message: %#v", got)
	}
}

func TestNormalizeEventUnsupportedKind(t *testing.T) {
	t.Parallel()

	_, err := normalizeEvent(mediaEvent("sticker", `{"file_key":"x"}`), normalizeOptions{})
	if !errors.Is(err, channel.ErrUnsupportedKind) {
		t.Fatalf("expected unsupported kind error, got %v", err)
	}
}

func TestResolveFeishuReceiveID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in       string
		wantID   string
		wantType string
	}{
		{"open_id:ou_1", "ou_1", larkim.ReceiveIdTypeOpenId},
		{"user_id:u_1", "u_1", larkim.ReceiveIdTypeUserId},
		{"chat_id:oc_1", "oc_1", larkim.ReceiveIdTypeChatId},
		{"oc_2", "oc_2", larkim.ReceiveIdTypeChatId},
		{"ou_3", "ou_3", larkim.ReceiveIdTypeOpenId},
	}
	for _, tt := range tests {
		id, typ, err := resolveFeishuReceiveID(tt.in)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tt.in, err)
		}
		if id != tt.wantID || typ != tt.wantType {
			t.Fatalf("%s: got %s/%s", tt.in, id, typ)
		}
	}
	if _, _, err := resolveFeishuReceiveID("  "); err == nil {
		t.Fatal("expected error for empty target")
	}
}

func TestResolveFeishuFileType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind channel.ReplyKind
		ext  string
		want string
	}{
		{channel.ReplyVideo, ".mov", larkim.FileTypeMp4},
		{channel.ReplyVoice, ".opus", larkim.FileTypeOpus},
		{channel.ReplyVoice, ".wav", larkim.FileTypeStream},
		{channel.ReplyText, ".PDF", larkim.FileTypePdf},
		{channel.ReplyText, ".docx", larkim.FileTypeDoc},
	}
	for _, tt := range tests {
		if got := resolveFeishuFileType(tt.kind, tt.ext); got != tt.want {
			t.Fatalf("%s %s: got %s want %s", tt.kind, tt.ext, got, tt.want)
		}
	}
}

func TestSendText(t *testing.T) {
	t.Parallel()

	gw := &fakeIMGateway{}
	a, _ := newTestAdapter(t, gw)
	if err := a.Send(context.Background(), channel.Target{Channel: Type, ID: "open_id:ou_1"}, channel.TextReply("你好")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sent := gw.messages()
	if len(sent) != 1 {
		t.Fatalf("expected one message, got %d", len(sent))
	}
	if sent[0].receiveType != larkim.ReceiveIdTypeOpenId || sent[0].receiveID != "ou_1" || sent[0].msgType != larkim.MsgTypeText {
		t.Fatalf("unexpected message: %#v", sent[0])
	}
	if sent[0].content != `{"text":"你好"}` {
		t.Fatalf("unexpected content: %s", sent[0].content)
	}
}

func TestSendVideoURLDegradesToText(t *testing.T) {
	t.Parallel()

	gw := &fakeIMGateway{}
	a, _ := newTestAdapter(t, gw)
	err := a.Send(context.Background(), channel.Target{ID: "chat_id:oc_1"}, channel.VideoURLReply("https://cdn.example.com/v.mp4"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sent := gw.messages()
	if len(sent) != 1 || sent[0].msgType != larkim.MsgTypeText || !strings.Contains(sent[0].content, "https://cdn.example.com/v.mp4") {
		t.Fatalf("unexpected messages: %#v", sent)
	}
}

func TestSendImageUploadsAndCleansUp(t *testing.T) {
	t.Parallel()

	gw := &fakeIMGateway{}
	a, dir := newTestAdapter(t, gw)
	err := a.Send(context.Background(), channel.Target{ID: "open_id:ou_1"}, channel.BytesReply(channel.ReplyImage, []byte("png-bytes")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gw.images != 1 {
		t.Fatalf("expected one image upload, got %d", gw.images)
	}
	sent := gw.messages()
	if len(sent) != 1 || sent[0].msgType != larkim.MsgTypeImage || sent[0].content != `{"image_key":"img_key_1"}` {
		t.Fatalf("unexpected messages: %#v", sent)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected staged files removed, found %d", len(entries))
	}
}

func TestSendVoiceAsAudio(t *testing.T) {
	t.Parallel()

	gw := &fakeIMGateway{}
	a, _ := newTestAdapter(t, gw)
	err := a.Send(context.Background(), channel.Target{ID: "open_id:ou_1"}, channel.BytesReply(channel.ReplyVoice, []byte("opus")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(gw.files) != 1 || gw.files[0] != larkim.FileTypeOpus {
		t.Fatalf("unexpected file uploads: %#v", gw.files)
	}
	sent := gw.messages()
	if len(sent) != 1 || sent[0].msgType != larkim.MsgTypeAudio {
		t.Fatalf("unexpected messages: %#v", sent)
	}
}

func TestSendWavVoiceAsFile(t *testing.T) {
	t.Parallel()

	gw := &fakeIMGateway{}
	a, dir := newTestAdapter(t, gw)
	wav := append([]byte("RIFF\x24\x00\x00\x00WAVEfmt "), make([]byte, 16)...)
	err := a.Send(context.Background(), channel.Target{ID: "open_id:ou_1"}, channel.BytesReply(channel.ReplyVoice, wav))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(gw.files) != 1 || gw.files[0] != larkim.FileTypeStream {
		t.Fatalf("unexpected file uploads: %#v", gw.files)
	}
	sent := gw.messages()
	if len(sent) != 1 || sent[0].msgType != larkim.MsgTypeFile || sent[0].content != `{"file_key":"file_key_1"}` {
		t.Fatalf("unexpected messages: %#v", sent)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Fatalf("expected staged files removed, found %d", len(entries))
	}
}

func TestSendCleansUpOnFailure(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		gw    *fakeIMGateway
		reply channel.Reply
	}{
		{name: "image upload", gw: &fakeIMGateway{uploadErr: errors.New("upload failed")}, reply: channel.BytesReply(channel.ReplyImage, []byte("png-bytes"))},
		{name: "voice upload", gw: &fakeIMGateway{uploadErr: errors.New("upload failed")}, reply: channel.BytesReply(channel.ReplyVoice, []byte("opus"))},
		{name: "video send", gw: &fakeIMGateway{sendCode: 230002, sendMsg: "bot not in chat"}, reply: channel.BytesReply(channel.ReplyVideo, []byte("mp4"))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a, dir := newTestAdapter(t, tc.gw)
			if err := a.Send(context.Background(), channel.Target{ID: "open_id:ou_1"}, tc.reply); err == nil {
				t.Fatal("expected error")
			}
			entries, _ := os.ReadDir(dir)
			if len(entries) != 0 {
				t.Fatalf("expected staged files removed, found %d", len(entries))
			}
		})
	}
}

func TestSendUsesReplyWhenParentSet(t *testing.T) {
	t.Parallel()

	gw := &fakeIMGateway{}
	a, _ := newTestAdapter(t, gw)
	target := channel.Target{ID: "chat_id:oc_1", ReplyToMessageID: "om_parent"}
	if err := a.Send(context.Background(), target, channel.TextReply("hi")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sent := gw.messages()
	if len(sent) != 1 || sent[0].replyTo != "om_parent" {
		t.Fatalf("expected reply to parent, got %#v", sent)
	}
}

func TestSendNonSuccessIsPermanent(t *testing.T) {
	t.Parallel()

	gw := &fakeIMGateway{sendCode: 230002, sendMsg: "bot not in chat"}
	a, _ := newTestAdapter(t, gw)
	err := a.Send(context.Background(), channel.Target{ID: "chat_id:oc_1"}, channel.TextReply("hi"))
	if err == nil || !channel.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if !strings.Contains(err.Error(), "code: 230002") {
		t.Fatalf("unexpected error message: %v", err)
	}
}

func TestSendRateLimitIsRetryable(t *testing.T) {
	t.Parallel()

	gw := &fakeIMGateway{sendCode: feishuRateLimitCode, sendMsg: "too many requests"}
	a, _ := newTestAdapter(t, gw)
	err := a.Send(context.Background(), channel.Target{ID: "chat_id:oc_1"}, channel.TextReply("hi"))
	if err == nil || channel.IsPermanent(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

func TestSendRejectsEmptyTarget(t *testing.T) {
	t.Parallel()

	a, _ := newTestAdapter(t, &fakeIMGateway{})
	err := a.Send(context.Background(), channel.Target{}, channel.TextReply("hi"))
	if !channel.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestConnectWebhookModeReturnsNil(t *testing.T) {
	t.Parallel()

	a, _ := newTestAdapter(t, &fakeIMGateway{})
	conn, err := a.Connect(context.Background(), func(context.Context, channel.Message) error { return nil })
	if err != nil || conn != nil {
		t.Fatalf("expected nil connection in webhook mode, got %v %v", conn, err)
	}
}
