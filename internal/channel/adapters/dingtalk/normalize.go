package dingtalk

import (
	"fmt"
	"strings"

	"github.com/memohai/dingtalk-bridge/internal/channel"
)

// MessageKind is the closed set of message types the normalizer understands.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindRichText MessageKind = "richText"
	KindPicture  MessageKind = "picture"
	KindAudio    MessageKind = "audio"
	KindVideo    MessageKind = "video"
	KindFile     MessageKind = "file"
	KindUnknown  MessageKind = ""
)

const (
	placeholderPicture  = "[图片]"
	placeholderAudio    = "[语音消息]"
	placeholderVideo    = "[视频]"
	placeholderFile     = "[文件]"
	placeholderRichText = "[富文本消息]"
)

func kindOf(msgType string) MessageKind {
	switch MessageKind(strings.TrimSpace(msgType)) {
	case "", KindText:
		return KindText
	case KindRichText:
		return KindRichText
	case KindPicture:
		return KindPicture
	case KindAudio:
		return KindAudio
	case KindVideo:
		return KindVideo
	case KindFile:
		return KindFile
	default:
		return KindUnknown
	}
}

type mediaContent struct {
	DownloadCode        string `json:"downloadCode"`
	PictureDownloadCode string `json:"pictureDownloadCode"`
	Recognition         string `json:"recognition"`
	FileName            string `json:"fileName"`
}

func (c mediaContent) handle() string {
	if code := strings.TrimSpace(c.DownloadCode); code != "" {
		return code
	}
	return strings.TrimSpace(c.PictureDownloadCode)
}

type richTextContent struct {
	RichText []richTextSegment `json:"richText"`
}

type richTextSegment struct {
	Type         string `json:"type"`
	Text         string `json:"text"`
	DownloadCode string `json:"downloadCode"`
}

// Normalize maps a callback payload to the canonical envelope. It never fails
// and is idempotent: malformed content degrades to the kind's placeholder.
func Normalize(p Payload) channel.Envelope {
	switch kindOf(p.MsgType) {
	case KindText:
		return decodeText(p)
	case KindRichText:
		return decodeRichText(p)
	case KindPicture:
		return decodePicture(p)
	case KindAudio:
		return decodeAudio(p)
	case KindVideo:
		return decodeVideo(p)
	case KindFile:
		return decodeFile(p)
	default:
		return decodeUnknown(p)
	}
}

func textBody(p Payload) string {
	if p.Text == nil {
		return ""
	}
	return strings.TrimSpace(p.Text.Content)
}

func decodeText(p Payload) channel.Envelope {
	return channel.Envelope{Text: textBody(p), Kind: string(KindText)}
}

func decodeRichText(p Payload) channel.Envelope {
	env := channel.Envelope{Kind: string(KindRichText)}
	var content richTextContent
	if p.decodeContent(&content) {
		var sb strings.Builder
		for _, seg := range content.RichText {
			switch {
			case seg.Type == "text" || (seg.Type == "" && seg.Text != ""):
				sb.WriteString(seg.Text)
			case seg.Type == "picture" && env.MediaHandle == "" && strings.TrimSpace(seg.DownloadCode) != "":
				env.MediaHandle = strings.TrimSpace(seg.DownloadCode)
				env.MediaKind = channel.MediaKindImage
			}
		}
		env.Text = strings.TrimSpace(sb.String())
	}
	if env.Text == "" {
		env.Text = placeholderRichText
	}
	return env
}

func decodePicture(p Payload) channel.Envelope {
	var content mediaContent
	p.decodeContent(&content)
	return mediaEnvelope(KindPicture, placeholderPicture, content, channel.MediaKindImage)
}

func decodeAudio(p Payload) channel.Envelope {
	var content mediaContent
	p.decodeContent(&content)
	text := strings.TrimSpace(content.Recognition)
	if text == "" {
		text = placeholderAudio
	}
	return mediaEnvelope(KindAudio, text, content, channel.MediaKindAudio)
}

func decodeVideo(p Payload) channel.Envelope {
	var content mediaContent
	p.decodeContent(&content)
	return mediaEnvelope(KindVideo, placeholderVideo, content, channel.MediaKindVideo)
}

func decodeFile(p Payload) channel.Envelope {
	var content mediaContent
	p.decodeContent(&content)
	text := placeholderFile
	if name := strings.TrimSpace(content.FileName); name != "" {
		text = fmt.Sprintf("[文件: %s]", name)
	}
	return mediaEnvelope(KindFile, text, content, channel.MediaKindFile)
}

func mediaEnvelope(kind MessageKind, text string, content mediaContent, mediaKind channel.MediaKind) channel.Envelope {
	env := channel.Envelope{Text: text, Kind: string(kind)}
	if handle := content.handle(); handle != "" {
		env.MediaHandle = handle
		env.MediaKind = mediaKind
	}
	return env
}

func decodeUnknown(p Payload) channel.Envelope {
	kind := strings.TrimSpace(p.MsgType)
	text := textBody(p)
	if text == "" {
		text = fmt.Sprintf("[%s消息]", kind)
	}
	return channel.Envelope{Text: text, Kind: kind}
}
