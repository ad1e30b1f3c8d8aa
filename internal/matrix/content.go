package matrix

import (
	"bytes"
	"image"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"
)

// Media is a binary payload to deliver as a file/image/audio/video message.
type Media struct {
	Bytes       []byte
	ContentType string
	FileName    string
}

// UploadMemo records the outcome of the upload half of a media send. A retry
// that already holds a content URI skips straight to the message-send step,
// so the binary is never uploaded twice for one job.
type UploadMemo struct {
	URI      id.ContentURIString
	MimeType string
	Width    int
	Height   int
}

func (m *UploadMemo) uploaded() bool { return m != nil && m.URI != "" }

// Only these extensions render as inline images in clients; everything else
// goes out as a plain file even if the mime type says image/*.
var imageExtPattern = regexp.MustCompile(`^\.(jpg|jpeg|gif|png|svg)$`)

// textContent builds an m.notice message. Bodies starting with <html> are
// passed through as custom HTML; otherwise markdown is rendered into
// formatted_body. Notices don't ping recipients.
func textContent(text string) *event.MessageEventContent {
	var content event.MessageEventContent
	if strings.HasPrefix(text, "<html>") {
		body := strings.ReplaceAll(text, "\n", "")
		content = event.MessageEventContent{
			Body:          body,
			Format:        event.FormatHTML,
			FormattedBody: body,
		}
	} else {
		content = format.RenderMarkdown(text, true, false)
	}
	content.MsgType = event.MsgNotice
	return &content
}

// sniffContentType fills in a mime type when the submitter declared none.
func sniffContentType(m Media) string {
	ct := strings.TrimSpace(strings.SplitN(m.ContentType, ";", 2)[0])
	if ct != "" && ct != "application/octet-stream" {
		return ct
	}
	return http.DetectContentType(m.Bytes)
}

// messageTypeFor picks the Matrix msgtype the way clients expect it:
// image by extension, audio/video by mime prefix, file otherwise.
func messageTypeFor(m Media, mime string) event.MessageType {
	ext := strings.ToLower(filepath.Ext(m.FileName))
	switch {
	case imageExtPattern.MatchString(ext):
		return event.MsgImage
	case strings.HasPrefix(mime, "audio/"):
		return event.MsgAudio
	case strings.HasPrefix(mime, "video/"):
		return event.MsgVideo
	default:
		return event.MsgFile
	}
}

// probeImageSize decodes just the header to get pixel dimensions for the
// image info block. SVG (or undecodable data) yields zero dims, which
// clients tolerate.
func probeImageSize(data []byte) (w, h int) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0
	}
	return cfg.Width, cfg.Height
}

// mediaContent builds the structured message referencing an uploaded blob.
func mediaContent(m Media, memo *UploadMemo) *event.MessageEventContent {
	name := m.FileName
	if name == "" {
		name = "attachment"
	}
	info := &event.FileInfo{
		MimeType: memo.MimeType,
		Size:     len(m.Bytes),
	}
	msgType := messageTypeFor(m, memo.MimeType)
	if msgType == event.MsgImage {
		info.Width = memo.Width
		info.Height = memo.Height
	}
	return &event.MessageEventContent{
		MsgType: msgType,
		Body:    name,
		URL:     memo.URI,
		Info:    info,
	}
}
