package codec

import (
	"testing"

	"deskcast/native/internal/domain"
)

func h264(profileLevelID string) domain.Codec {
	fmtp := ""
	if profileLevelID != "" {
		fmtp = "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=" + profileLevelID
	}
	return domain.Codec{
		MimeType:    "video/H264",
		ClockRate:   90000,
		SDPFmtpLine: fmtp,
	}
}

func TestCodecs_ReturnsRegistrationOrderCopy(t *testing.T) {
	r := NewRegistry(
		[]domain.Codec{h264("42001f")},
		[]domain.Codec{h264("64001f"), {MimeType: "audio/opus", ClockRate: 48000, Channels: 2}},
	)

	all := r.Codecs()
	if len(all) != 3 {
		t.Fatalf("expected 3 codecs, got %d", len(all))
	}
	if all[0].H264Profile() != "42" || all[1].H264Profile() != "64" || all[2].MimeType != "audio/opus" {
		t.Errorf("registration order not preserved: %v", all)
	}

	// The returned slice is a copy; callers cannot corrupt the registry.
	all[0].MimeType = "video/VP8"
	if r.Codecs()[0].MimeType != "video/H264" {
		t.Error("mutating the returned slice changed the registry")
	}
}

func TestRankedCodecs_H264ProfileOrder(t *testing.T) {
	// Registration order: baseline, high, unspecified, main.
	r := NewRegistry([]domain.Codec{
		h264("42001f"),
		h264("64001f"),
		h264(""),
		h264("4d001f"),
	})

	ranked := r.RankedCodecs(domain.MediaKindVideo)
	if len(ranked) != 4 {
		t.Fatalf("expected 4 codecs, got %d", len(ranked))
	}

	want := []string{"64", "4d", "42", ""}
	for i, profile := range want {
		if got := ranked[i].H264Profile(); got != profile {
			t.Errorf("rank %d: expected profile %q, got %q", i, profile, got)
		}
	}
}

func TestRankedCodecs_TiesKeepRegistrationOrder(t *testing.T) {
	first := h264("64001f")
	second := h264("640032") // same profile_idc, different level
	r := NewRegistry([]domain.Codec{first, second})

	ranked := r.RankedCodecs(domain.MediaKindVideo)
	if ranked[0].SDPFmtpLine != first.SDPFmtpLine {
		t.Errorf("expected stable order for equal profiles, got %q first", ranked[0].SDPFmtpLine)
	}
}

func TestRankedCodecs_FiltersByKind(t *testing.T) {
	r := NewRegistry([]domain.Codec{
		{MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
		h264("64001f"),
	})

	audio := r.RankedCodecs(domain.MediaKindAudio)
	if len(audio) != 1 || audio[0].MimeType != "audio/opus" {
		t.Fatalf("expected only opus for audio kind, got %v", audio)
	}

	video := r.RankedCodecs(domain.MediaKindVideo)
	if len(video) != 1 || !video[0].IsH264() {
		t.Fatalf("expected only H264 for video kind, got %v", video)
	}
}

func TestAssignPayloadTypes(t *testing.T) {
	r := NewRegistry([]domain.Codec{h264("64001f"), h264("42001f")})

	assigned, next, err := r.AssignPayloadTypes(domain.MediaKindVideo, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if assigned[0].PayloadType != 96 || assigned[1].PayloadType != 97 {
		t.Errorf("expected payload types 96, 97, got %d, %d",
			assigned[0].PayloadType, assigned[1].PayloadType)
	}
	if next != 98 {
		t.Errorf("expected next payload type 98, got %d", next)
	}
}

func TestAssignPayloadTypes_RangeExhausted(t *testing.T) {
	r := NewRegistry([]domain.Codec{h264("64001f"), h264("42001f")})

	if _, _, err := r.AssignPayloadTypes(domain.MediaKindVideo, 127); err == nil {
		t.Error("expected error when dynamic payload range is exhausted")
	}
}

func TestCodecMatches(t *testing.T) {
	tests := []struct {
		name  string
		codec domain.Codec
		mime  string
		fmtp  string
		want  bool
	}{
		{
			name:  "h264 same profile different level",
			codec: h264("64001f"),
			mime:  "video/H264",
			fmtp:  "profile-level-id=640032",
			want:  true,
		},
		{
			name:  "h264 different profile",
			codec: h264("64001f"),
			mime:  "video/H264",
			fmtp:  "profile-level-id=42001f",
			want:  false,
		},
		{
			name:  "mime mismatch",
			codec: h264("64001f"),
			mime:  "video/VP8",
			fmtp:  "",
			want:  false,
		},
		{
			name:  "opus empty fmtp matches anything",
			codec: domain.Codec{MimeType: "audio/opus", ClockRate: 48000},
			mime:  "audio/OPUS",
			fmtp:  "minptime=10;useinbandfec=1",
			want:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.codec.Matches(tt.mime, tt.fmtp); got != tt.want {
				t.Errorf("Matches(%q, %q) = %v, want %v", tt.mime, tt.fmtp, got, tt.want)
			}
		})
	}
}
