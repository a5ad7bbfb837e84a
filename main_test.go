package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 8), G: 100, B: uint8(y * 16), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

// hugePNG declares 60000x60000 pixels in its header and carries no pixel data.
func hugePNG() []byte {
	var buf bytes.Buffer
	buf.WriteString("\x89PNG\r\n\x1a\n")
	for _, c := range []struct {
		typ  string
		data []byte
	}{
		{"IHDR", []byte{0, 0, 0xea, 0x60, 0, 0, 0xea, 0x60, 8, 6, 0, 0, 0}},
		{"IDAT", nil},
		{"IEND", nil},
	} {
		_ = binary.Write(&buf, binary.BigEndian, uint32(len(c.data)))
		buf.WriteString(c.typ)
		buf.Write(c.data)
		_ = binary.Write(&buf, binary.BigEndian, crc32.ChecksumIEEE(append([]byte(c.typ), c.data...)))
	}
	return buf.Bytes()
}

// fakeRembg answers like `rembg s`: the left half of the uploaded image is kept.
func fakeRembg(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/remove", func(w http.ResponseWriter, r *http.Request) {
		f, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer f.Close()
		src, _, err := image.Decode(f)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		b := src.Bounds()
		out := image.NewNRGBA(b)
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Min.X+b.Dx()/2; x++ {
				out.Set(x, y, src.At(x, y))
			}
		}
		w.Header().Set("Content-Type", "image/png")
		_ = png.Encode(w, out)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func run(t *testing.T, stdin []byte, args ...string) (int, []byte, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), args, bytes.NewReader(stdin), &stdout, &stderr)
	return code, stdout.Bytes(), stderr.String()
}

func TestExecute_Success(t *testing.T) {
	srv := fakeRembg(t)

	code, out, logs := run(t, testJPEG(t), "--url", srv.URL, "--log-format", "json")

	require.Equal(t, 0, code, logs)
	img, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 32, 16), img.Bounds())

	_, _, _, a := img.At(30, 8).RGBA()
	assert.Zero(t, a)
	_, _, _, a = img.At(2, 8).RGBA()
	assert.NotZero(t, a)

	assert.Contains(t, logs, `"message":"rmbg starting"`)
	assert.Contains(t, logs, `"run_id"`)
	assert.Contains(t, logs, `"message":"conversion finished"`)
}

func TestExecute_Failures(t *testing.T) {
	srv := fakeRembg(t)

	tests := []struct {
		name    string
		stdin   []byte
		args    []string
		wantLog string
	}{
		{name: "empty input", stdin: nil, args: []string{"--url", srv.URL}, wantLog: "empty input rejected"},
		{name: "malformed input", stdin: []byte("not an image"), args: []string{"--url", srv.URL}, wantLog: "decode failed"},
		{name: "oversized dimensions", stdin: hugePNG(), args: []string{"--url", "http://127.0.0.1:1"}, wantLog: "decode failed"},
		{name: "backend unreachable", stdin: testJPEG(t), args: []string{"--url", "http://127.0.0.1:1"}, wantLog: "segment failed"},
		{name: "input too large", stdin: testJPEG(t), args: []string{"--url", srv.URL, "--max-input-bytes", "10"}, wantLog: "read stdin failed"},
		{name: "unknown flag", stdin: testJPEG(t), args: []string{"--nope"}, wantLog: "unknown flag"},
		{name: "bad log format", stdin: testJPEG(t), args: []string{"--log-format", "xml"}, wantLog: "xml"},
		{name: "negative max size", stdin: testJPEG(t), args: []string{"--max-size", "-1"}, wantLog: "max size"},
		{name: "stray argument", stdin: testJPEG(t), args: []string{"photo.jpg"}, wantLog: "unknown command"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, out, logs := run(t, tt.stdin, append([]string{"--log-format", "json"}, tt.args...)...)

			assert.Equal(t, 1, code)
			assert.Empty(t, out, "nothing is written to stdout on failure")
			assert.Contains(t, logs, tt.wantLog)
		})
	}
}

func TestExecute_EnvConfig(t *testing.T) {
	srv := fakeRembg(t)
	t.Setenv("REMBG_URL", srv.URL)
	t.Setenv("LOG_FORMAT", "json")

	code, out, logs := run(t, testJPEG(t))

	require.Equal(t, 0, code, logs)
	assert.NotEmpty(t, out)
	assert.Contains(t, logs, srv.URL)

	// a flag wins over the environment
	code, out, _ = run(t, testJPEG(t), "--url", "http://127.0.0.1:1")
	assert.Equal(t, 1, code)
	assert.Empty(t, out)
}

func TestExecute_StdinReadError(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), []string{"--log-format", "json"}, failingReader{}, &stdout, &stderr)

	assert.Equal(t, 1, code)
	assert.Empty(t, stdout.Bytes())
	assert.Contains(t, stderr.String(), "read stdin failed")
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, io.ErrUnexpectedEOF
}
