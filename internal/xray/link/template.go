package link

import (
	"fmt"
	"net/url"
	"strings"

	"alamor/internal/xray/parser"
)

// RenderTemplate re-targets a captured VLESS sample at another client.
// Host, port and stream keys come from the sample; the client's flow wins
// over the sample's.
func RenderTemplate(sample *parser.Link, client Identity, label string) (string, error) {
	if client.Flow == "" {
		client.Flow = sample.Flow()
	}
	return EncodeVLESS(Request{
		Client: client,
		Host:   sample.Host,
		Port:   sample.Port,
		Params: sample.Params(),
		Label:  label,
		Extra:  sample.Query,
	})
}

// RenderRaw swaps user id and label in the literal sample text, keeping
// its query untouched. Used when the stored machine form cannot be read.
func RenderRaw(raw string, client Identity, label string) (string, error) {
	if client.ID == "" {
		return "", ErrMissingCredential
	}
	u, err := url.Parse(parser.FixIllegalUrl(raw))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: raw template %q", parser.ErrInvalidLinkFormat, raw)
	}

	var sb strings.Builder
	sb.WriteString(u.Scheme)
	sb.WriteString("://")
	sb.WriteString(url.User(client.ID).String())
	sb.WriteByte('@')
	sb.WriteString(u.Host)
	if u.RawQuery != "" {
		sb.WriteByte('?')
		sb.WriteString(u.RawQuery)
	}
	sb.WriteByte('#')
	sb.WriteString(escapeFragment(label))
	return sb.String(), nil
}
