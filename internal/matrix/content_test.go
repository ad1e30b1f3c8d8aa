package matrix

import (
	"bytes"
	"image"
	"image/png"
	"strings"
	"testing"

	"maunium.net/go/mautrix/event"
)

func TestTextContentMarkdown(t *testing.T) {
	t.Parallel()

	c := textContent("alert: **disk full** on db1")
	if c.MsgType != event.MsgNotice {
		t.Errorf("msgtype = %s, want m.notice", c.MsgType)
	}
	if !strings.Contains(c.FormattedBody, "<strong>disk full</strong>") {
		t.Errorf("formatted_body = %q, markdown not rendered", c.FormattedBody)
	}
	if strings.Contains(c.Body, "<strong>") {
		t.Errorf("plain body carries HTML: %q", c.Body)
	}
}

func TestTextContentHTMLPassthrough(t *testing.T) {
	t.Parallel()

	c := textContent("<html><b>raw</b>\nmarkup</html>")
	if c.Format != event.FormatHTML {
		t.Errorf("format = %q, want org.matrix.custom.html", c.Format)
	}
	if strings.Contains(c.FormattedBody, "\n") {
		t.Errorf("newlines survived HTML passthrough: %q", c.FormattedBody)
	}
	if c.MsgType != event.MsgNotice {
		t.Errorf("msgtype = %s, want m.notice", c.MsgType)
	}
}

func TestSniffContentType(t *testing.T) {
	t.Parallel()

	if got := sniffContentType(Media{ContentType: "image/png; charset=binary"}); got != "image/png" {
		t.Errorf("declared type: got %q", got)
	}
	pngBytes := encodePNG(t, 3, 2)
	if got := sniffContentType(Media{Bytes: pngBytes}); got != "image/png" {
		t.Errorf("sniffed type: got %q", got)
	}
	if got := sniffContentType(Media{ContentType: "application/octet-stream", Bytes: []byte("plain text here")}); !strings.HasPrefix(got, "text/plain") {
		t.Errorf("octet-stream should be re-sniffed, got %q", got)
	}
}

func TestMessageTypeFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		file string
		mime string
		want event.MessageType
	}{
		{"graph.png", "image/png", event.MsgImage},
		{"photo.JPG", "image/jpeg", event.MsgImage},
		{"diagram.svg", "image/svg+xml", event.MsgImage},
		{"report.webp", "image/webp", event.MsgFile}, // not in the inline set
		{"call.ogg", "audio/ogg", event.MsgAudio},
		{"clip.mp4", "video/mp4", event.MsgVideo},
		{"dump.tar.gz", "application/gzip", event.MsgFile},
		{"", "application/pdf", event.MsgFile},
	}
	for _, tt := range tests {
		if got := messageTypeFor(Media{FileName: tt.file}, tt.mime); got != tt.want {
			t.Errorf("messageTypeFor(%q, %q) = %s, want %s", tt.file, tt.mime, got, tt.want)
		}
	}
}

func TestProbeImageSize(t *testing.T) {
	t.Parallel()

	w, h := probeImageSize(encodePNG(t, 7, 5))
	if w != 7 || h != 5 {
		t.Errorf("probeImageSize = %dx%d, want 7x5", w, h)
	}
	if w, h := probeImageSize([]byte("<svg/>")); w != 0 || h != 0 {
		t.Errorf("undecodable data should yield zero dims, got %dx%d", w, h)
	}
}

func TestMediaContent(t *testing.T) {
	t.Parallel()

	memo := &UploadMemo{URI: "mxc://example.org/abc", MimeType: "image/png", Width: 7, Height: 5}
	c := mediaContent(Media{Bytes: []byte{1, 2, 3}, FileName: "graph.png"}, memo)
	if c.MsgType != event.MsgImage {
		t.Errorf("msgtype = %s", c.MsgType)
	}
	if c.URL != "mxc://example.org/abc" {
		t.Errorf("url = %s", c.URL)
	}
	if c.Info.Width != 7 || c.Info.Height != 5 || c.Info.Size != 3 {
		t.Errorf("info = %+v", c.Info)
	}

	// No filename still produces a body.
	c = mediaContent(Media{Bytes: []byte{1}}, &UploadMemo{URI: "mxc://x/y", MimeType: "application/pdf"})
	if c.Body == "" || c.MsgType != event.MsgFile {
		t.Errorf("fallback content = %+v", c)
	}
}

func TestUploadMemoUploaded(t *testing.T) {
	t.Parallel()

	var nilMemo *UploadMemo
	if nilMemo.uploaded() {
		t.Error("nil memo reports uploaded")
	}
	if (&UploadMemo{}).uploaded() {
		t.Error("empty memo reports uploaded")
	}
	if !(&UploadMemo{URI: "mxc://x/y"}).uploaded() {
		t.Error("populated memo reports not uploaded")
	}
}

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}
