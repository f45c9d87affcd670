package whatsapp

import (
	"testing"

	"google.golang.org/protobuf/proto"

	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
)

func TestParseJID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"bare phone", "966512345678", "966512345678@s.whatsapp.net", false},
		{"phone with formatting", "+966 51 234 5678", "966512345678@s.whatsapp.net", false},
		{"full user JID", "966512345678@s.whatsapp.net", "966512345678@s.whatsapp.net", false},
		{"group JID", "123456789-1234@g.us", "123456789-1234@g.us", false},
		{"empty", "", "", true},
		{"too short", "12345", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jid, err := parseJID(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseJID(%q) succeeded, want error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseJID(%q): %v", tt.input, err)
			}
			if jid.String() != tt.want {
				t.Errorf("parseJID(%q) = %q, want %q", tt.input, jid.String(), tt.want)
			}
		})
	}
}

func TestExtractText(t *testing.T) {
	tests := []struct {
		name string
		msg  *waE2E.Message
		want string
	}{
		{"nil message", nil, ""},
		{"conversation", &waE2E.Message{Conversation: proto.String("hello")}, "hello"},
		{"extended text", &waE2E.Message{
			ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("linked")},
		}, "linked"},
		{"image caption", &waE2E.Message{
			ImageMessage: &waE2E.ImageMessage{Caption: proto.String("look")},
		}, "look"},
		{"video caption", &waE2E.Message{
			VideoMessage: &waE2E.VideoMessage{Caption: proto.String("watch")},
		}, "watch"},
		{"document caption", &waE2E.Message{
			DocumentMessage: &waE2E.DocumentMessage{Caption: proto.String("read")},
		}, "read"},
		{"no text payload", &waE2E.Message{
			AudioMessage: &waE2E.AudioMessage{},
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractText(tt.msg); got != tt.want {
				t.Errorf("extractText = %q, want %q", got, tt.want)
			}
		})
	}
}
