package adapter

import "github.com/convergecrm/wabridge/internal/domain"

// Content is the tagged union of provider message payload kinds. Each case
// carries only the fields relevant to its kind; the ingest boundary matches
// exhaustively and anything unknown degrades to OtherContent.
type Content interface {
	isContent()
	// Kind returns the domain message type for this payload.
	Kind() string
	// Body returns the canonical text body or placeholder for this payload.
	Body() string
}

type TextContent struct {
	Text string
}

type MediaContent struct {
	MediaKind string // image, video, audio, document, sticker
	Caption   string
	URL       string
	Mimetype  string
	FileName  string
	Size      int64
}

type LocationContent struct {
	Latitude  float64
	Longitude float64
	Name      string
}

type ContactContent struct {
	DisplayName string
	Vcard       string
}

type OtherContent struct {
	Raw string
}

func (TextContent) isContent()     {}
func (MediaContent) isContent()    {}
func (LocationContent) isContent() {}
func (ContactContent) isContent()  {}
func (OtherContent) isContent()    {}

func (TextContent) Kind() string { return domain.TypeText }

func (c MediaContent) Kind() string { return c.MediaKind }

func (LocationContent) Kind() string { return domain.TypeLocation }
func (ContactContent) Kind() string  { return domain.TypeContact }
func (OtherContent) Kind() string    { return domain.TypeOther }

func (c TextContent) Body() string { return c.Text }

// Body returns the caption when present, otherwise a placeholder per media
// kind in the convention the CRM frontend expects.
func (c MediaContent) Body() string {
	if c.Caption != "" {
		return c.Caption
	}
	switch c.MediaKind {
	case domain.TypeImage:
		return "Imagem"
	case domain.TypeVideo:
		return "Vídeo"
	case domain.TypeAudio:
		return "Áudio"
	case domain.TypeDocument:
		if c.FileName != "" {
			return c.FileName
		}
		return "Documento"
	case domain.TypeSticker:
		return "Sticker"
	}
	return "Mídia"
}

func (c LocationContent) Body() string {
	if c.Name != "" {
		return c.Name
	}
	return "Localização"
}

func (c ContactContent) Body() string {
	if c.DisplayName != "" {
		return c.DisplayName
	}
	return "Contato"
}

func (OtherContent) Body() string { return "Mensagem" }
