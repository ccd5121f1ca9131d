package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/freakifranky/image-creator/internal/codec"
	"github.com/freakifranky/image-creator/internal/domain"
	"github.com/freakifranky/image-creator/internal/raster"
)

const (
	HeaderOutputBytes  = "X-Output-Bytes"
	HeaderOutputWidth  = "X-Output-Width"
	HeaderOutputHeight = "X-Output-Height"
	HeaderBudgetMet    = "X-Budget-Met"
)

var errMissingImage = errors.New("request carries no image")

// handlePostprocess accepts either a multipart form with a "file" part or a raw
// image body. Options come from form fields or, for raw bodies, the query.
func (s *Server) handlePostprocess(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)

	input, variant, err := s.readPostprocessRequest(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
				"error": fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit),
			})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	opts := s.post.OptionsFor(variant)
	start := time.Now()
	img, err := s.post.Postprocess(r.Context(), input, opts)
	if err != nil {
		switch {
		case errors.Is(err, codec.ErrDecode), errors.Is(err, raster.ErrDegenerateGeometry):
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		default:
			s.logger.Printf("postprocess failed bytes=%d err=%v", len(input), err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "postprocess failed"})
		}
		return
	}

	s.metrics.observePostprocess(len(input), opts, img, time.Since(start))

	h := w.Header()
	h.Set("Content-Type", "image/png")
	h.Set("Cache-Control", "no-store")
	h.Set("Content-Length", strconv.Itoa(len(img.Data)))
	h.Set(HeaderOutputBytes, strconv.Itoa(len(img.Data)))
	h.Set(HeaderOutputWidth, strconv.Itoa(img.Width))
	h.Set(HeaderOutputHeight, strconv.Itoa(img.Height))
	h.Set(HeaderBudgetMet, strconv.FormatBool(img.BudgetMet))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(img.Data)
}

func (s *Server) readPostprocessRequest(r *http.Request) ([]byte, domain.Variant, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		return readMultipart(r)
	}

	input, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, domain.Variant{}, fmt.Errorf("read body: %w", err)
	}
	if len(input) == 0 {
		return nil, domain.Variant{}, errMissingImage
	}
	variant, err := parseVariant(r.URL.Query().Get)
	if err != nil {
		return nil, domain.Variant{}, err
	}
	return input, variant, nil
}

func readMultipart(r *http.Request) ([]byte, domain.Variant, error) {
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		return nil, domain.Variant{}, fmt.Errorf("parse multipart form: %w", err)
	}
	defer r.MultipartForm.RemoveAll()

	f, _, err := r.FormFile("file")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return nil, domain.Variant{}, errMissingImage
		}
		return nil, domain.Variant{}, fmt.Errorf("read file part: %w", err)
	}
	defer f.Close()

	input, err := io.ReadAll(f)
	if err != nil {
		return nil, domain.Variant{}, fmt.Errorf("read file part: %w", err)
	}
	if len(input) == 0 {
		return nil, domain.Variant{}, errMissingImage
	}

	variant, err := parseVariant(r.FormValue)
	if err != nil {
		return nil, domain.Variant{}, err
	}
	return input, variant, nil
}

// parseVariant reads transparentBg, maxKb, whiteThreshold and softness. Missing
// fields keep the server defaults.
func parseVariant(get func(string) string) (domain.Variant, error) {
	v := domain.Variant{ID: "sync"}

	if raw := strings.TrimSpace(get("transparentBg")); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return domain.Variant{}, fmt.Errorf("transparentBg must be a boolean, got %q", raw)
		}
		v.TransparentBackground = b
	}
	if raw := strings.TrimSpace(get("maxKb")); raw != "" {
		kb, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return domain.Variant{}, fmt.Errorf("maxKb must be a number, got %q", raw)
		}
		v.MaxKB = kb
	}

	var err error
	if v.WhiteThreshold, err = optionalInt(get, "whiteThreshold"); err != nil {
		return domain.Variant{}, err
	}
	if v.Softness, err = optionalInt(get, "softness"); err != nil {
		return domain.Variant{}, err
	}

	if err := v.Validate(); err != nil {
		return domain.Variant{}, err
	}
	return v, nil
}

func optionalInt(get func(string) string, key string) (*int, error) {
	raw := strings.TrimSpace(get(key))
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be an integer, got %q", key, raw)
	}
	return &n, nil
}
