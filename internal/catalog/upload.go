package catalog

import (
	"errors"
	"io"
	"mime/multipart"
	"net/http"

	"go.uber.org/zap"

	"Freshka/pkg/kit"
)

const uploadField = "image"

type uploadedFile struct {
	name        string
	contentType string
	body        []byte
}

func (s *Server) adminImage(w http.ResponseWriter, r *http.Request) {
	f, ok := s.readUpload(w, r)
	if !ok {
		return
	}

	sku := pathParam(r, "sku")
	url, err := s.Svc.AttachImage(r.Context(), sku, f.name, f.contentType, f.body)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	s.logger().Info("image attached", zap.String("sku", sku), zap.String("path", url), zap.Int("bytes", len(f.body)))
	kit.WriteJSON(w, http.StatusOK, adminResp{OK: true, Path: url})
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	f, ok := s.readUpload(w, r)
	if !ok {
		return
	}

	u, err := s.Svc.StoreUpload(r.Context(), f.name, f.contentType, f.body)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	kit.WriteJSON(w, http.StatusOK, uploadResp{Message: "File uploaded", Upload: u})
}

// readUpload pulls the "image" part out of a multipart form, answering 400
// itself when the form or the file is missing.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (uploadedFile, bool) {
	limit := s.maxUpload()
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	if err := r.ParseMultipartForm(limit); err != nil {
		kit.WriteError(w, r, http.StatusBadRequest, "Invalid multipart form", err.Error())
		return uploadedFile{}, false
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, hdr, err := r.FormFile(uploadField)
	if errors.Is(err, http.ErrMissingFile) {
		kit.WriteError(w, r, http.StatusBadRequest, "No file uploaded", map[string]any{"field": uploadField})
		return uploadedFile{}, false
	}
	if err != nil {
		kit.WriteError(w, r, http.StatusBadRequest, "Invalid multipart form", err.Error())
		return uploadedFile{}, false
	}
	defer func() { _ = file.Close() }()

	body, err := io.ReadAll(file)
	if err != nil {
		kit.WriteError(w, r, http.StatusBadRequest, "Invalid multipart form", err.Error())
		return uploadedFile{}, false
	}

	return uploadedFile{
		name:        hdr.Filename,
		contentType: partContentType(hdr),
		body:        body,
	}, true
}

func partContentType(hdr *multipart.FileHeader) string {
	if hdr == nil || hdr.Header == nil {
		return ""
	}
	return hdr.Header.Get("Content-Type")
}
