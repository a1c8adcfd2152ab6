package adapter

import (
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"

	"github.com/convergecrm/wabridge/internal/domain"
)

// ExtractContent maps the provider's message payload union onto our tagged
// Content variant. Unknown or empty payloads degrade to OtherContent so the
// conversation stream never drops an event.
func ExtractContent(msg *waE2E.Message) Content {
	if msg == nil {
		return OtherContent{}
	}
	switch {
	case msg.GetConversation() != "":
		return TextContent{Text: msg.GetConversation()}
	case msg.GetExtendedTextMessage() != nil:
		return TextContent{Text: msg.GetExtendedTextMessage().GetText()}
	case msg.GetImageMessage() != nil:
		m := msg.GetImageMessage()
		return MediaContent{
			MediaKind: domain.TypeImage,
			Caption:   m.GetCaption(),
			URL:       m.GetURL(),
			Mimetype:  m.GetMimetype(),
			Size:      int64(m.GetFileLength()),
		}
	case msg.GetVideoMessage() != nil:
		m := msg.GetVideoMessage()
		return MediaContent{
			MediaKind: domain.TypeVideo,
			Caption:   m.GetCaption(),
			URL:       m.GetURL(),
			Mimetype:  m.GetMimetype(),
			Size:      int64(m.GetFileLength()),
		}
	case msg.GetAudioMessage() != nil:
		m := msg.GetAudioMessage()
		return MediaContent{
			MediaKind: domain.TypeAudio,
			URL:       m.GetURL(),
			Mimetype:  m.GetMimetype(),
			Size:      int64(m.GetFileLength()),
		}
	case msg.GetDocumentMessage() != nil:
		m := msg.GetDocumentMessage()
		return MediaContent{
			MediaKind: domain.TypeDocument,
			Caption:   m.GetCaption(),
			URL:       m.GetURL(),
			Mimetype:  m.GetMimetype(),
			FileName:  m.GetFileName(),
			Size:      int64(m.GetFileLength()),
		}
	case msg.GetStickerMessage() != nil:
		m := msg.GetStickerMessage()
		return MediaContent{
			MediaKind: domain.TypeSticker,
			URL:       m.GetURL(),
			Mimetype:  m.GetMimetype(),
			Size:      int64(m.GetFileLength()),
		}
	case msg.GetLocationMessage() != nil:
		m := msg.GetLocationMessage()
		return LocationContent{
			Latitude:  m.GetDegreesLatitude(),
			Longitude: m.GetDegreesLongitude(),
			Name:      m.GetName(),
		}
	case msg.GetContactMessage() != nil:
		m := msg.GetContactMessage()
		return ContactContent{
			DisplayName: m.GetDisplayName(),
			Vcard:       m.GetVcard(),
		}
	default:
		return OtherContent{}
	}
}
