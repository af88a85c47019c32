package controlpoint

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"
)

const (
	classVideo = "object.item.videoItem"
	classAudio = "object.item.audioItem.musicTrack"
	classPhoto = "object.item.imageItem.photo"
)

// buildDIDL describes a single resource for CurrentURIMetaData. Some
// renderers refuse SetAVTransportURI without it.
func buildDIDL(mediaURL string, mimeType string) string {
	if strings.TrimSpace(mimeType) == "" {
		mimeType = "application/octet-stream"
	}
	title := mediaURL
	if u, err := url.Parse(mediaURL); err == nil {
		if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
			title = base
		} else if u.Host != "" {
			title = u.Host
		}
	}
	protocol := fmt.Sprintf("http-get:*:%s:*", mimeType)
	return `<DIDL-Lite xmlns="urn:schemas-upnp-org:metadata-1-0/DIDL-Lite/" xmlns:dc="http://purl.org/dc/elements/1.1/" xmlns:upnp="urn:schemas-upnp-org:metadata-1-0/upnp/">` +
		`<item id="0" parentID="-1" restricted="1">` +
		`<dc:title>` + xmlEscape(title) + `</dc:title>` +
		`<upnp:class>` + upnpClass(mimeType) + `</upnp:class>` +
		`<res protocolInfo="` + xmlEscape(protocol) + `">` + xmlEscape(mediaURL) + `</res>` +
		`</item></DIDL-Lite>`
}

func upnpClass(mimeType string) string {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return classPhoto
	case strings.HasPrefix(mimeType, "audio/"):
		return classAudio
	default:
		return classVideo
	}
}

// guessMime maps the URL extension to a MIME type. AirPlay senders mostly
// push video, so unknown extensions are reported as MP4.
func guessMime(mediaURL string) string {
	if u, err := url.Parse(mediaURL); err == nil {
		switch ext := strings.ToLower(path.Ext(u.Path)); ext {
		case "":
		case ".m3u8":
			return "application/vnd.apple.mpegurl"
		default:
			if mt := mime.TypeByExtension(ext); mt != "" {
				return mt
			}
		}
	}
	return "video/mp4"
}

func xmlEscape(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}
