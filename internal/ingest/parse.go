package ingest

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"maunium.net/go/mautrix/id"

	"mxgate/internal/config"
	"mxgate/internal/delivery"
)

// Request headers understood by the gateway.
const (
	headerAPIKey   = "Api-Key-Here"
	headerSendTo   = "Send-To"
	headerFileName = "File-Name"
)

// multipart form field carrying a text message.
const fieldMessage = "Message"

var (
	errNoRecipient  = errors.New("no Send-To header and no management channel configured")
	errBadRecipient = errors.New("Send-To is neither a user id nor a room id")
	errEmptyBody    = errors.New("empty body")
)

// parseTarget maps the Send-To header onto a delivery target. An absent
// header routes to the management room when one is configured.
func parseTarget(sendTo string, mgmt id.RoomID) (delivery.Target, error) {
	sendTo = strings.TrimSpace(sendTo)
	switch {
	case sendTo == "":
		if mgmt == "" {
			return delivery.Target{}, errNoRecipient
		}
		return delivery.Target{Room: mgmt}, nil
	case config.IsUserID(sendTo):
		return delivery.Target{User: id.UserID(sendTo)}, nil
	case config.IsRoomID(sendTo):
		return delivery.Target{Room: id.RoomID(sendTo)}, nil
	default:
		return delivery.Target{}, errBadRecipient
	}
}

// parsePayload decodes the request body into a payload:
//   - multipart/form-data: the Message field, as text
//   - text/*: the body, as text
//   - anything else: the raw bytes as a media blob, named by File-Name
func parsePayload(r *http.Request, maxBytes int64) (delivery.Payload, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxBytes)

	ct := r.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil && ct != "" {
		return delivery.Payload{}, fmt.Errorf("bad Content-Type: %w", err)
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		if err := r.ParseMultipartForm(maxBytes); err != nil {
			return delivery.Payload{}, fmt.Errorf("bad multipart body: %w", err)
		}
		text := r.FormValue(fieldMessage)
		if text == "" {
			return delivery.Payload{}, fmt.Errorf("multipart body without a %q field", fieldMessage)
		}
		return delivery.Payload{Kind: delivery.PayloadText, Text: text}, nil
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return delivery.Payload{}, fmt.Errorf("read body: %w", err)
	}
	if len(body) == 0 {
		return delivery.Payload{}, errEmptyBody
	}

	if mediaType == "" || strings.HasPrefix(mediaType, "text/") ||
		mediaType == "application/x-www-form-urlencoded" {
		return delivery.Payload{Kind: delivery.PayloadText, Text: string(body)}, nil
	}

	return delivery.Payload{
		Kind:        delivery.PayloadMedia,
		Bytes:       body,
		ContentType: mediaType,
		FileName:    strings.TrimSpace(r.Header.Get(headerFileName)),
	}, nil
}
