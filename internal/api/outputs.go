package api

import (
	"net/http"
	"strings"

	"github.com/freakifranky/image-creator/internal/domain"
	"github.com/freakifranky/image-creator/internal/pipeline"
)

// handleGetOutput serves one finished variant. Object-store jobs redirect to a
// presigned download; local jobs are served from the shared output directory.
func (s *Server) handleGetOutput(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	variantID := strings.TrimSpace(r.PathValue("variant"))
	if _, ok := job.Variant(variantID); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "variant not found"})
		return
	}
	if job.Status != domain.JobStatusSucceeded {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  "job has not finished",
			"status": job.Status,
		})
		return
	}

	if job.SourceType == domain.SourceTypeLocalFile {
		if s.localOutputDir == "" {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "local outputs are not served"})
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		http.ServeFile(w, r, pipeline.LocalOutputPath(s.localOutputDir, job.ID, variantID))
		return
	}

	key := pipeline.OutputObjectKey(s.outputPrefix, job.ID, variantID)
	url, err := s.storage.PresignedGetURL(r.Context(), key, s.presignTTL)
	if err != nil {
		s.logger.Printf("presign output failed job_id=%s variant=%s err=%v", job.ID, variantID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to generate download URL"})
		return
	}
	http.Redirect(w, r, url, http.StatusTemporaryRedirect)
}
