package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/raphaelgruber/mapnotebook/internal/decode"
	"github.com/raphaelgruber/mapnotebook/internal/nspd"
	"github.com/raphaelgruber/mapnotebook/internal/service"
)

// maxLookupBody bounds the body of a registry lookup request.
const maxLookupBody = 64 << 10

var errUnsupported = &decode.DecodeError{Kind: decode.KindUnsupported, Message: "unsupported file type"}

// handleUpload stores every file part in a temp dir of its own and submits
// the batch. Unsupported and oversized files are submitted as rejected
// inputs so they show up as failed files of the batch.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestBytes)
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "expected a multipart/form-data body")
		return
	}

	inputs, err := s.readUploads(mr)
	if err != nil {
		cleanup(inputs)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		s.logger.Warn("read upload", "error", err)
		writeError(w, http.StatusBadRequest, "failed to read upload")
		return
	}
	if len(inputs) == 0 {
		writeError(w, http.StatusBadRequest, service.ErrNoInputs.Error())
		return
	}

	s.submit(w, r, inputs)
}

// readUploads consumes the multipart stream. Non-file parts are ignored.
// On error the inputs read so far are returned for cleanup.
func (s *Server) readUploads(mr *multipart.Reader) ([]service.Input, error) {
	var inputs []service.Input
	seen := make(map[string]bool)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return inputs, nil
		}
		if err != nil {
			return inputs, err
		}
		if part.FileName() == "" {
			part.Close()
			continue
		}

		name := uniqueName(SanitizeFilename(part.FileName()), seen)
		in, err := s.receive(part, name)
		part.Close()
		if err != nil {
			return inputs, err
		}
		inputs = append(inputs, in)
	}
}

// receive writes one file part to disk, or drains it when it is rejected.
func (s *Server) receive(part io.Reader, name string) (service.Input, error) {
	if !s.deps.Registry.Supported(name) {
		n, err := io.Copy(io.Discard, part)
		if err != nil {
			return nil, err
		}
		return service.NewRejectedInput(name, n, errUnsupported), nil
	}

	dir, err := os.MkdirTemp(s.cfg.TempDir, "upload-*")
	if err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("create upload file: %w", err)
	}
	n, err := io.Copy(f, io.LimitReader(part, s.cfg.MaxFileBytes+1))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}

	if n > s.cfg.MaxFileBytes {
		rest, err := io.Copy(io.Discard, part)
		os.RemoveAll(dir)
		if err != nil {
			return nil, err
		}
		return service.NewRejectedInput(name, n+rest, service.ErrFileTooLarge), nil
	}
	return service.NewUploadedFile(s.deps.Registry, name, dir, n), nil
}

// SanitizeFilename reduces an uploaded name to a safe base name: letters,
// digits, '.', '_' and '-' are kept, anything else becomes '_'.
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if strings.Trim(out, "._") == "" {
		return "file"
	}
	return out
}

// uniqueName appends _2, _3, ... before the extension until name is unused.
func uniqueName(name string, seen map[string]bool) string {
	if !seen[name] {
		seen[name] = true
		return name
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 2; ; i++ {
		candidate := stem + "_" + strconv.Itoa(i) + ext
		if !seen[candidate] {
			seen[candidate] = true
			return candidate
		}
	}
}

func cleanup(inputs []service.Input) {
	for _, in := range inputs {
		if err := in.Cleanup(); err != nil {
			slog.Warn("cleanup upload", "file", in.Name(), "error", err)
		}
	}
}

// LookupRequest is the JSON body of a registry lookup.
type LookupRequest struct {
	Number string `json:"number"`
}

func (s *Server) handleNSPD(w http.ResponseWriter, r *http.Request) {
	kind, err := nspd.ParseKind(r.PathValue("kind"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if s.deps.Lookup == nil {
		writeError(w, http.StatusServiceUnavailable, "registry lookups are disabled")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxLookupBody)
	number, err := readNumber(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	number = strings.TrimSpace(number)
	if number == "" {
		writeError(w, http.StatusBadRequest, nspd.ErrNumberRequired.Error())
		return
	}

	s.submit(w, r, []service.Input{service.NewLookupInput(s.deps.Lookup, kind, number)})
}

// readNumber takes the registry number from a JSON body or a form field.
func readNumber(r *http.Request) (string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var req LookupRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return "", fmt.Errorf("invalid JSON body: %w", err)
		}
		return req.Number, nil
	}
	return r.FormValue("number"), nil
}
