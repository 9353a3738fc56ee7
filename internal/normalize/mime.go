package normalize

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"strings"

	"golang.org/x/net/html/charset"
)

const maxMultipartDepth = 8

type headerGetter interface {
	Get(key string) string
}

// parts holds the first text/plain and text/html bodies found in an entity tree.
type parts struct {
	plain    string
	html     string
	rawBytes int
}

func (p *parts) merge(o parts) {
	if p.plain == "" {
		p.plain = o.plain
	}
	if p.html == "" {
		p.html = o.html
	}
	p.rawBytes += o.rawBytes
}

type decodeFailure struct {
	reason string
	err    error
}

func (e *decodeFailure) Error() string {
	if e.err == nil {
		return e.reason
	}
	return e.reason + ": " + e.err.Error()
}

func (e *decodeFailure) Unwrap() error { return e.err }

// decodeEntity walks one MIME entity. Attachments and non-text leaves are skipped.
func decodeEntity(h headerGetter, body io.Reader, depth int) (parts, error) {
	if depth > maxMultipartDepth {
		return parts{}, &decodeFailure{reason: "multipart nesting too deep"}
	}
	if disp, _, err := mime.ParseMediaType(h.Get("Content-Disposition")); err == nil && disp == "attachment" {
		return parts{}, nil
	}

	mediaType, params, err := mime.ParseMediaType(h.Get("Content-Type"))
	if mediaType == "" || (err != nil && !errors.Is(err, mime.ErrInvalidMediaParameter)) {
		mediaType, params = "text/plain", map[string]string{}
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		return decodeMultipart(body, params["boundary"], depth)
	}
	if mediaType != "text/plain" && mediaType != "text/html" {
		return parts{}, nil
	}

	data, err := io.ReadAll(transferDecoder(h.Get("Content-Transfer-Encoding"), body))
	if err != nil {
		return parts{}, &decodeFailure{reason: "bad transfer encoding", err: err}
	}
	text, err := toUTF8(params["charset"], data)
	if err != nil {
		return parts{}, err
	}

	p := parts{rawBytes: len(data)}
	if mediaType == "text/html" {
		p.html = text
	} else {
		p.plain = text
	}
	return p, nil
}

func decodeMultipart(body io.Reader, boundary string, depth int) (parts, error) {
	if boundary == "" {
		return parts{}, &decodeFailure{reason: "malformed multipart", err: errors.New("missing boundary")}
	}

	var out parts
	mr := multipart.NewReader(body, boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return parts{}, &decodeFailure{reason: "malformed multipart", err: err}
		}
		sub, err := decodeEntity(part.Header, part, depth+1)
		if err != nil {
			return parts{}, err
		}
		out.merge(sub)
	}
}

// transferDecoder undoes Content-Transfer-Encoding. multipart.Reader already
// decodes quoted-printable parts and removes the header.
func transferDecoder(cte string, r io.Reader) io.Reader {
	switch strings.ToLower(strings.TrimSpace(cte)) {
	case "quoted-printable":
		return quotedprintable.NewReader(r)
	case "base64":
		return base64.NewDecoder(base64.StdEncoding, r)
	default:
		return r
	}
}

func toUTF8(label string, data []byte) (string, error) {
	switch strings.ToLower(strings.Trim(label, `" `)) {
	case "", "utf-8", "utf8", "us-ascii", "ascii":
		return string(data), nil
	}
	r, err := charset.NewReaderLabel(label, bytes.NewReader(data))
	if err != nil {
		return "", &decodeFailure{reason: "unsupported charset", err: err}
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return "", &decodeFailure{reason: fmt.Sprintf("decode charset %s", label), err: err}
	}
	return string(out), nil
}
