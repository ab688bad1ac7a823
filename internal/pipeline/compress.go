package pipeline

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"

	"github.com/gantrylab/gantry/internal/transport"
)

// CompressParams configures response compression.
type CompressParams struct {
	Level      int      `yaml:"level"`
	MinSize    int      `yaml:"min_size"`
	Algorithms []string `yaml:"algorithms"`
	Types      []string `yaml:"types"`
}

// serverAlgoOrder is the preference used to break client ties.
var serverAlgoOrder = []string{"br", "zstd", "gzip"}

// Compress re-encodes buffered response bodies for clients that accept
// it. It sits innermost so the bytes it produces are what every outer
// middleware and the transport see. Streams, files, and error replies
// pass through untouched.
type Compress struct {
	level     int
	minSize   int
	types     map[string]bool
	algoOrder []string
	zstdPool  sync.Pool
}

// NewCompress builds the compressor.
func NewCompress(p CompressParams) *Compress {
	c := &Compress{
		level:   p.Level,
		minSize: p.MinSize,
		types:   make(map[string]bool),
	}
	if c.level <= 0 || c.level > 11 {
		c.level = 6
	}
	if c.minSize <= 0 {
		c.minSize = 1024
	}

	enabled := map[string]bool{}
	if len(p.Algorithms) > 0 {
		for _, a := range p.Algorithms {
			enabled[a] = true
		}
	} else {
		enabled["br"], enabled["zstd"], enabled["gzip"] = true, true, true
	}
	for _, a := range serverAlgoOrder {
		if enabled[a] {
			c.algoOrder = append(c.algoOrder, a)
		}
	}

	if len(p.Types) > 0 {
		for _, t := range p.Types {
			c.types[t] = true
		}
	} else {
		for _, t := range []string{
			"text/html", "text/css", "text/plain", "text/javascript",
			"application/javascript", "application/json", "application/xml",
			"application/vnd.typed+json", "text/xml", "image/svg+xml",
		} {
			c.types[t] = true
		}
	}

	zstdLevel := zstd.SpeedDefault
	if c.level > 0 {
		zstdLevel = zstd.EncoderLevelFromZstd(c.level)
	}
	c.zstdPool = sync.Pool{
		New: func() any {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstdLevel))
			return enc
		},
	}
	return c
}

func (c *Compress) Name() string { return "compress" }
func (c *Compress) Order() int   { return OrderCompress }

func (c *Compress) Wrap(next Handler) Handler {
	return func(ctx context.Context, req *transport.Request) error {
		err := next(ctx, req)
		if err != nil || req.Transport != transport.KindHTTP {
			return err
		}

		resp := req.Response
		body := resp.BodyBytes()
		if len(body) < c.minSize || !c.compressibleType(resp.MediaType()) {
			return nil
		}
		if resp.Header.Get("Content-Encoding") != "" {
			return nil
		}
		algo := c.negotiate(req.Header.Get("Accept-Encoding"))
		if algo == "" {
			return nil
		}

		compressed, cerr := c.encode(algo, body)
		if cerr != nil || len(compressed) >= len(body) {
			return nil
		}
		if resp.SwapBody(compressed) {
			resp.SetHeader("Content-Encoding", algo)
			resp.AddHeader("Vary", "Accept-Encoding")
		}
		return nil
	}
}

func (c *Compress) encode(algo string, body []byte) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser
	switch algo {
	case "br":
		level := c.level
		if level > 11 {
			level = 11
		}
		w = brotli.NewWriterLevel(&buf, level)
	case "zstd":
		enc := c.zstdPool.Get().(*zstd.Encoder)
		enc.Reset(&buf)
		if _, err := enc.Write(body); err != nil {
			c.zstdPool.Put(enc)
			return nil, err
		}
		err := enc.Close()
		c.zstdPool.Put(enc)
		if err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		level := c.level
		if level > 9 {
			level = 9
		}
		w, _ = gzip.NewWriterLevel(&buf, level)
	}
	if _, err := w.Write(body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Compress) compressibleType(contentType string) bool {
	ct := contentType
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	return c.types[ct]
}

type encodingPref struct {
	encoding string
	quality  float64
}

// negotiate picks the algorithm per RFC 7231 section 5.3.4: highest
// client quality wins, server preference breaks ties.
func (c *Compress) negotiate(acceptEncoding string) string {
	prefs := parseAcceptEncoding(acceptEncoding)
	if len(prefs) == 0 {
		return ""
	}
	clientQ := make(map[string]float64, len(prefs))
	hasWildcard := false
	wildcardQ := 0.0
	for _, p := range prefs {
		if p.encoding == "*" {
			hasWildcard = true
			wildcardQ = p.quality
		} else {
			clientQ[p.encoding] = p.quality
		}
	}

	best := ""
	bestQ := -1.0
	for _, algo := range c.algoOrder {
		q, explicit := clientQ[algo]
		if !explicit {
			if !hasWildcard {
				continue
			}
			q = wildcardQ
		}
		if q <= 0 {
			continue
		}
		if q > bestQ {
			bestQ = q
			best = algo
		}
	}
	return best
}

func parseAcceptEncoding(header string) []encodingPref {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	prefs := make([]encodingPref, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		enc := part
		q := 1.0
		if idx := strings.IndexByte(part, ';'); idx >= 0 {
			enc = strings.TrimSpace(part[:idx])
			params := strings.TrimSpace(part[idx+1:])
			if strings.HasPrefix(params, "q=") {
				if v, err := strconv.ParseFloat(params[2:], 64); err == nil {
					q = v
				}
			}
		}
		prefs = append(prefs, encodingPref{encoding: enc, quality: q})
	}
	return prefs
}
