package handlers

import (
	"bytes"
	"net/http"

	"github.com/llamanexus/gateway/internal/proxy"
	"github.com/llamanexus/gateway/pkg/models"
)

// forward picks a backend of kind and streams the request straight through
// C4 without JSON introspection — used by every data-plane route except
// chat (which needs memory/RAG/tool-loop involvement).
func (h *Handlers) forward(kind models.Kind, suffix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		backend, err := h.Registry.Pick(kind, "")
		if err != nil {
			gwerr404(w, kind)
			return
		}

		raw, ioErr := readRawBody(r)
		if ioErr != nil {
			writeGatewayError(w, errInvalidBody(ioErr))
			return
		}

		requestID := proxy.BuildRequestID(r.Header)
		gwErr := h.Proxy.Dispatch(r.Context(), w, proxy.Request{
			Backend:   backend,
			Suffix:    suffix,
			Method:    r.Method,
			Headers:   r.Header,
			Body:      bytes.NewReader(raw),
			RequestID: requestID,
		})
		if gwErr != nil {
			writeGatewayError(w, gwErr)
		}
	}
}

// Embeddings, Images, Audio: thin forwards keyed by their respective kinds.
func (h *Handlers) Embeddings() http.HandlerFunc      { return h.forward(models.KindEmbeddings, "/embeddings") }
func (h *Handlers) ImagesGenerations() http.HandlerFunc { return h.forward(models.KindImage, "/images/generations") }
func (h *Handlers) ImagesEdits() http.HandlerFunc       { return h.forward(models.KindImage, "/images/edits") }
func (h *Handlers) AudioTranscriptions() http.HandlerFunc {
	return h.forward(models.KindTranscribe, "/audio/transcriptions")
}
func (h *Handlers) AudioTranslations() http.HandlerFunc {
	return h.forward(models.KindTranslate, "/audio/translations")
}
func (h *Handlers) AudioSpeech() http.HandlerFunc { return h.forward(models.KindTTS, "/audio/speech") }
